package variables

import (
	"net/http/httptest"
	"testing"
)

func TestHasRole(t *testing.T) {
	id := &Identity{Roles: []string{"admin", "viewer"}}
	if !id.HasRole("admin") {
		t.Fatal("admin role missing")
	}
	if id.HasRole("operator") {
		t.Fatal("unexpected role")
	}

	var nilID *Identity
	if nilID.HasRole("admin") {
		t.Fatal("nil identity has roles")
	}
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		realIP     string
		remoteAddr string
		want       string
	}{
		{"xff single", "1.2.3.4", "", "9.9.9.9:1234", "1.2.3.4"},
		{"xff chain takes first", "1.2.3.4, 5.6.7.8", "", "9.9.9.9:1234", "1.2.3.4"},
		{"real ip", "", "2.3.4.5", "9.9.9.9:1234", "2.3.4.5"},
		{"xff beats real ip", "1.2.3.4", "2.3.4.5", "9.9.9.9:1234", "1.2.3.4"},
		{"remote addr", "", "", "9.9.9.9:1234", "9.9.9.9"},
		{"remote addr without port", "", "", "9.9.9.9", "9.9.9.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := ExtractClientIP(r); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
