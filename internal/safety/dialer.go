package safety

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// DialContext returns a dial function which resolves the destination, checks
// every resolved address and then dials a checked address directly. Used by
// outbound HTTP transports so that redirects and DNS changes between validation
// and connection cannot reach a blocked address.
func (v *Validator) DialContext(dialer *net.Dialer) func(ctx context.Context, network, address string) (net.Conn, error) {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}

		addrs, err := v.resolve(ctx, host)
		if err != nil {
			return nil, &RejectedError{address, "host could not be resolved"}
		}

		for _, addr := range addrs {
			if reason := v.blockedReason(addr); reason != "" {
				return nil, &RejectedError{address, reason}
			}
		}

		var lastErr error
		for _, addr := range addrs {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(addr.Unmap().String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}

		if lastErr == nil {
			lastErr = errors.New("no addresses to dial")
		}
		return nil, lastErr
	}
}

// Transport constructs an HTTP transport which refuses to connect to blocked
// addresses. Proxies from the environment are ignored.
func (v *Validator) Transport() *http.Transport {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           v.DialContext(dialer),
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
