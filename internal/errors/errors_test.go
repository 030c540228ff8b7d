package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWrapAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	de := Wrap(cause, http.StatusBadGateway, "Bad Gateway")

	if de.Code != http.StatusBadGateway {
		t.Fatalf("code = %d", de.Code)
	}
	if !errors.Is(de, cause) {
		t.Fatal("wrapped cause lost")
	}

	var target *DispatchError
	if !errors.As(fmt.Errorf("outer: %w", de), &target) {
		t.Fatal("errors.As failed through wrapping")
	}
	if target.Code != http.StatusBadGateway {
		t.Fatalf("unwrapped code = %d", target.Code)
	}
}

func TestWithDetailsDoesNotMutateSingleton(t *testing.T) {
	detailed := ErrRouteNotFound.WithDetails("GET /missing")
	if detailed == ErrRouteNotFound {
		t.Fatal("WithDetails returned the singleton itself")
	}
	if ErrRouteNotFound.Details != "" {
		t.Fatal("singleton was mutated")
	}
	if detailed.Code != http.StatusNotFound || detailed.Details != "GET /missing" {
		t.Fatalf("detailed = %+v", detailed)
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrTooManyRequests.WriteJSON(rec)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("body: %v", err)
	}
	if doc["message"] != "Too Many Requests" {
		t.Fatalf("body = %v", doc)
	}
}

func TestIsDispatchError(t *testing.T) {
	if _, ok := IsDispatchError(fmt.Errorf("plain")); ok {
		t.Fatal("plain error recognized")
	}
	de, ok := IsDispatchError(fmt.Errorf("wrapped: %w", ErrForbidden))
	if !ok || de.Code != http.StatusForbidden {
		t.Fatalf("de = %v ok = %v", de, ok)
	}
}
