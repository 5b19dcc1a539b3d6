package safety

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	permittedMethods = map[string]bool{http.MethodGet: true, http.MethodPost: true, http.MethodHead: true}

	forbiddenHeaders = map[string]bool{
		"Connection":          true,
		"Content-Length":      true,
		"Keep-Alive":          true,
		"Proxy-Authenticate":  true,
		"Proxy-Authorization": true,
		"Proxy-Connection":    true,
		"Te":                  true,
		"Trailer":             true,
		"Transfer-Encoding":   true,
		"Upgrade":             true,
	}
)

// ValidateOverride checks the effective target of a request override. The
// method must be one we support, hop-by-hop headers are refused, and a Host
// header (which would retarget the request) is subject to the same address
// checks as the URL itself.
func (v *Validator) ValidateOverride(ctx context.Context, rawURL string, method string, headers map[string]string) error {
	if method != "" && !permittedMethods[strings.ToUpper(method)] {
		return &RejectedError{rawURL, fmt.Sprintf("request method %q is not permitted", method)}
	}

	for k, val := range headers {
		canonical := http.CanonicalHeaderKey(strings.TrimSpace(k))
		if canonical == "" || strings.ContainsAny(canonical, " :\r\n") || strings.ContainsAny(val, "\r\n") {
			return &RejectedError{rawURL, fmt.Sprintf("request header %q is malformed", k)}
		}
		if forbiddenHeaders[canonical] || strings.HasPrefix(canonical, "Proxy-") {
			return &RejectedError{rawURL, fmt.Sprintf("request header %q is not permitted", canonical)}
		}

		if canonical == "Host" {
			host := strings.TrimSpace(val)
			if h, _, err := net.SplitHostPort(host); err == nil {
				host = h
			}
			host = strings.Trim(host, "[]")
			if host == "" {
				return &RejectedError{rawURL, "request header \"Host\" is empty"}
			}

			if err := v.checkHost(ctx, rawURL, host); err != nil {
				return err
			}
		}
	}

	return nil
}
