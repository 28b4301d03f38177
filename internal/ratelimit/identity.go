package ratelimit

import (
	"net"
	"net/http"
	"strings"

	"authgate/internal/util"
)

// ClientIdentity derives the bucket key for a request. With trustForwardedFor
// set it takes the first X-Forwarded-For element, which is only safe behind a
// reverse proxy that strips or overwrites the header; otherwise it falls back
// to the direct peer address.
func ClientIdentity(r *http.Request, trustForwardedFor bool) string {
	if trustForwardedFor {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := fwd
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				first = fwd[:i]
			}
			if ip := util.NormalizeIdentity(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr without a port, e.g. in tests.
		return r.RemoteAddr
	}
	return host
}
