package utils

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"
)

// TimestampLayout is the UTC millisecond layout used in response bodies.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// GetClientIP extracts the client address used as the rate-limit key.
// Forwarding headers (X-Forwarded-For first entry, then X-Real-IP) are only
// honoured when trustProxy is set; otherwise the host part of RemoteAddr is
// used. IPv6 hosts are returned without brackets.
func GetClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx > 0 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}

		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// WantsJSON reports whether the request declares a JSON body.
func WantsJSON(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mt := strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// WriteJSON writes v as the JSON body of a response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// Timestamp formats t for a response body.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParsePrefixes parses CIDR blocks or single addresses. A single address
// becomes a full-length prefix.
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if p, err := netip.ParsePrefix(v); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("invalid address or CIDR %q", v)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

var redactedHeaders = map[string]bool{
	"Authorization":  true,
	"Cookie":         true,
	"X-Api-Key":      true,
	"X-Goog-Api-Key": true,
}

// LoggableHeaders flattens h to its first values for log output, with
// credential-bearing headers replaced by "[redacted]".
func LoggableHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if redactedHeaders[http.CanonicalHeaderKey(k)] {
			out[k] = "[redacted]"
			continue
		}
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
