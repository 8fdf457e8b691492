package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		xff        string
		xri        string
		remoteAddr string
		expected   string
	}{
		{
			name:       "X-Forwarded-For with single IP",
			trustProxy: true,
			xff:        "203.0.113.195",
			remoteAddr: "10.0.0.1:1234",
			expected:   "203.0.113.195",
		},
		{
			name:       "X-Forwarded-For with multiple IPs",
			trustProxy: true,
			xff:        "203.0.113.195, 70.41.3.18, 150.172.238.178",
			remoteAddr: "10.0.0.1:1234",
			expected:   "203.0.113.195",
		},
		{
			name:       "X-Forwarded-For with spaces",
			trustProxy: true,
			xff:        "  203.0.113.195  ,  70.41.3.18  ",
			remoteAddr: "10.0.0.1:1234",
			expected:   "203.0.113.195",
		},
		{
			name:       "X-Real-IP when no XFF",
			trustProxy: true,
			xri:        "203.0.113.195",
			remoteAddr: "10.0.0.1:1234",
			expected:   "203.0.113.195",
		},
		{
			name:       "headers ignored without trusted proxy",
			xff:        "203.0.113.195",
			xri:        "70.41.3.18",
			remoteAddr: "10.0.0.1:1234",
			expected:   "10.0.0.1",
		},
		{
			name:       "RemoteAddr fallback with port",
			remoteAddr: "203.0.113.195:56789",
			expected:   "203.0.113.195",
		},
		{
			name:       "RemoteAddr fallback without port",
			remoteAddr: "203.0.113.195",
			expected:   "203.0.113.195",
		},
		{
			name:       "IPv6 address",
			remoteAddr: "[2001:db8::1]:8080",
			expected:   "2001:db8::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest("GET", "http://example.com", nil)
			if err != nil {
				t.Fatalf("Failed to create request: %v", err)
			}

			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			req.RemoteAddr = tt.remoteAddr

			got := GetClientIP(req, tt.trustProxy)
			if got != tt.expected {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestWantsJSON(t *testing.T) {
	tests := map[string]bool{
		"":                                false,
		"application/json":                true,
		"application/json; charset=utf-8": true,
		"Application/JSON":                true,
		"application/problem+json":        true,
		"text/plain":                      false,
	}
	for ct, want := range tests {
		req, _ := http.NewRequest("POST", "http://example.com", nil)
		if ct != "" {
			req.Header.Set("Content-Type", ct)
		}
		if got := WantsJSON(req); got != want {
			t.Errorf("WantsJSON(%q) = %v, want %v", ct, got, want)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := WriteJSON(rec, http.StatusTeapot, map[string]string{"a": "b"}); err != nil {
		t.Fatalf("WriteJSON returned error: %v", err)
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("expected status %d, got %d", http.StatusTeapot, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("unexpected content type %q", ct)
	}
	if body := rec.Body.String(); body != "{\"a\":\"b\"}\n" {
		t.Errorf("unexpected body %q", body)
	}
}

func TestTimestamp(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 0, 123456789, time.FixedZone("BRT", -3*3600))
	if got := Timestamp(ts); got != "2024-05-01T15:30:00.123Z" {
		t.Errorf("unexpected timestamp %q", got)
	}
}

func TestParsePrefixes(t *testing.T) {
	tests := []struct {
		name    string
		values  []string
		want    []string
		wantErr bool
	}{
		{name: "cidr", values: []string{"10.0.0.0/8"}, want: []string{"10.0.0.0/8"}},
		{name: "unmasked cidr", values: []string{"192.168.1.7/24"}, want: []string{"192.168.1.0/24"}},
		{name: "single ipv4", values: []string{"127.0.0.1"}, want: []string{"127.0.0.1/32"}},
		{name: "single ipv6", values: []string{"::1"}, want: []string{"::1/128"}},
		{name: "empty", values: nil, want: []string{}},
		{name: "invalid", values: []string{"invalid-cidr"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePrefixes(tt.values)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePrefixes() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d prefixes, got %d", len(tt.want), len(got))
			}
			for i := range got {
				if got[i].String() != tt.want[i] {
					t.Errorf("prefix %d: expected %s, got %s", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestLoggableHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer secret")
	h.Set("X-Goog-Api-Key", "secret")
	h["x-api-key"] = []string{"secret"}
	h.Add("Accept", "a")
	h.Add("Accept", "b")

	got := LoggableHeaders(h)
	if got["Content-Type"] != "application/json" || got["Accept"] != "a" {
		t.Errorf("unexpected plain headers %v", got)
	}
	for _, k := range []string{"Authorization", "X-Goog-Api-Key", "x-api-key"} {
		if got[k] != "[redacted]" {
			t.Errorf("expected %s to be redacted, got %q", k, got[k])
		}
	}
}
