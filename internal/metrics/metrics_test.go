package metrics

import (
	"math"
	"testing"
	"time"
)

func TestCountersSum(t *testing.T) {
	a := NewAggregator()
	a.InitRoute("r1")

	a.Record(Outcome{RouteID: "r1", Success: true, Latency: 10 * time.Millisecond})
	a.Record(Outcome{RouteID: "r1", Success: true, Cached: true, Latency: time.Millisecond})
	a.Record(Outcome{RouteID: "r1", RateLimited: true, Latency: time.Millisecond})
	a.Record(Outcome{RouteID: "r1", AuthFailed: true, Latency: time.Millisecond})

	snap, ok := a.Route("r1")
	if !ok {
		t.Fatal("route snapshot missing")
	}
	if snap.TotalRequests != 4 {
		t.Fatalf("total = %d, want 4", snap.TotalRequests)
	}
	if snap.SuccessfulRequests+snap.FailedRequests != snap.TotalRequests {
		t.Fatalf("success %d + fail %d != total %d",
			snap.SuccessfulRequests, snap.FailedRequests, snap.TotalRequests)
	}
	if snap.SuccessfulRequests != 2 || snap.FailedRequests != 2 {
		t.Fatalf("success = %d fail = %d", snap.SuccessfulRequests, snap.FailedRequests)
	}
	if snap.RateLimitHits != 1 || snap.AuthFailures != 1 || snap.CacheHits != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.CacheHitRate != 0.25 {
		t.Fatalf("cache hit rate = %v, want 0.25", snap.CacheHitRate)
	}

	global := a.Global()
	if global.TotalRequests != 4 {
		t.Fatalf("global total = %d, want 4", global.TotalRequests)
	}
}

func TestIncrementalMean(t *testing.T) {
	a := NewAggregator()
	a.InitRoute("r1")

	latencies := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		60 * time.Millisecond,
	}
	for _, l := range latencies {
		a.Record(Outcome{RouteID: "r1", Success: true, Latency: l})
	}

	snap, _ := a.Route("r1")
	if math.Abs(snap.AvgResponseTimeMS-30.0) > 1e-9 {
		t.Fatalf("avg = %v, want 30", snap.AvgResponseTimeMS)
	}
}

func TestUnknownRouteCreatedLazily(t *testing.T) {
	a := NewAggregator()
	a.Record(Outcome{RouteID: "unknown", Latency: time.Millisecond})

	snap, ok := a.Route("unknown")
	if !ok {
		t.Fatal("unknown bucket missing")
	}
	if snap.FailedRequests != 1 {
		t.Fatalf("failed = %d, want 1", snap.FailedRequests)
	}
}

func TestRemoveRoute(t *testing.T) {
	a := NewAggregator()
	a.InitRoute("r1")
	a.Record(Outcome{RouteID: "r1", Success: true, Latency: time.Millisecond})

	a.RemoveRoute("r1")
	if _, ok := a.Route("r1"); ok {
		t.Fatal("route snapshot survived RemoveRoute")
	}

	// Global stats are unaffected by route teardown.
	if a.Global().TotalRequests != 1 {
		t.Fatalf("global total = %d, want 1", a.Global().TotalRequests)
	}
}

func TestInitRouteIdempotent(t *testing.T) {
	a := NewAggregator()
	a.InitRoute("r1")
	a.Record(Outcome{RouteID: "r1", Success: true, Latency: time.Millisecond})
	a.InitRoute("r1")

	snap, _ := a.Route("r1")
	if snap.TotalRequests != 1 {
		t.Fatalf("re-init reset the stats: %+v", snap)
	}
}
