package httpx

import (
	"net"
	"net/http"
)

// ClientIP returns the request address without its port. RealIP middleware
// upstream rewrites RemoteAddr from proxy headers.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
