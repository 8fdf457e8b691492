package middleware

import (
	"net/http"
	"net/netip"

	"github.com/0xReLogic/Cigano/internal/logging"
	"github.com/0xReLogic/Cigano/internal/utils"
)

// IPFilter provides address-based access control with allow/deny lists
type IPFilter struct {
	allow []netip.Prefix
	deny  []netip.Prefix
}

type forbiddenResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId"`
}

// NewIPFilter creates a new IP filter with the given allow and deny lists
func NewIPFilter(allowList, denyList []string) (*IPFilter, error) {
	allow, err := utils.ParsePrefixes(allowList)
	if err != nil {
		return nil, err
	}
	deny, err := utils.ParsePrefixes(denyList)
	if err != nil {
		return nil, err
	}
	return &IPFilter{allow: allow, deny: deny}, nil
}

// IsAllowed checks if the given IP address is allowed. Deny wins over allow;
// an empty allow list admits every address that is not denied.
func (f *IPFilter) IsAllowed(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, p := range f.deny {
		if p.Contains(addr) {
			return false
		}
	}
	if len(f.allow) == 0 {
		return true
	}
	for _, p := range f.allow {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Middleware rejects requests from addresses the filter does not admit
func (f *IPFilter) Middleware(trustProxy bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := utils.GetClientIP(r, trustProxy)

			if !f.IsAllowed(clientIP) {
				logging.WithContext(r.Context()).Warn().
					Str("client_ip", clientIP).
					Str("path", r.URL.Path).
					Msg("IP blocked by filter")

				_ = utils.WriteJSON(w, http.StatusForbidden, forbiddenResponse{
					Error:     "Acesso negado",
					RequestID: logging.RequestIDFromContext(r.Context()),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
