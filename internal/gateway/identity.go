package gateway

import (
	"net/http"
	"strings"

	"github.com/tollgate/tollgate/internal/x402"
)

// IdentityUnknown is the sentinel identity when neither a payer address
// nor a client IP can be determined.
const IdentityUnknown = "ip:unknown"

// ExtractIdentity derives a stable caller identity for rate limiting and
// session lookup. A decodable payment header with a payer address wins
// as "payer:<lowercased address>"; otherwise the first X-Forwarded-For
// token as "ip:<addr>"; otherwise IdentityUnknown. Decode failures are
// swallowed: identity is best-effort and never gates payment correctness.
func ExtractIdentity(r *http.Request) string {
	if header := r.Header.Get(x402.HeaderPayment); header != "" {
		if payload, err := x402.DecodePayment(header); err == nil {
			if addr := payload.PayerAddress(); addr != "" {
				return "payer:" + strings.ToLower(addr)
			}
		}
	}

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return "ip:" + first
		}
	}

	return IdentityUnknown
}
