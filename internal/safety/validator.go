// Package safety decides whether the service is permitted to make an
// outbound request to a given destination. Any destination which resolves
// to a loopback, private, link-local, shared, metadata or otherwise
// non-public address is rejected.
package safety

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/hbomb79/Hoard/pkg/logger"
)

var log = logger.Get("Safety")

type (
	Config struct {
		// AllowCIDRs are exempt from the built-in block list. Intended
		// for intranet deployments and tests only.
		AllowCIDRs []string `yaml:"allow_cidrs" env:"SAFETY_ALLOW_CIDRS" env-separator:","`

		// DenyCIDRs are blocked in addition to the built-in list.
		DenyCIDRs []string `yaml:"deny_cidrs" env:"SAFETY_DENY_CIDRS" env-separator:","`

		ResolveTimeoutSeconds int `yaml:"resolve_timeout_seconds" env:"SAFETY_RESOLVE_TIMEOUT_SECONDS" env-default:"5"`
	}

	// Resolver resolves a hostname to its set of addresses. *net.Resolver
	// satisfies this interface.
	Resolver interface {
		LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
	}

	// RejectedError is returned whenever a destination is not permitted. The
	// Reason is suitable for returning verbatim to a client.
	RejectedError struct {
		Target string
		Reason string
	}

	Validator struct {
		resolver Resolver
		allow    []netip.Prefix
		deny     []netip.Prefix
		timeout  time.Duration
	}
)

func (err *RejectedError) Error() string {
	return fmt.Sprintf("outbound request to %q rejected: %s", err.Target, err.Reason)
}

// IsRejected returns true if the error provided is (or wraps) a RejectedError.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// NewValidator constructs a validator using the config provided. If the resolver is
// nil, net.DefaultResolver is used.
func NewValidator(config Config, resolver Resolver) (*Validator, error) {
	allow, err := parsePrefixes(config.AllowCIDRs)
	if err != nil {
		return nil, fmt.Errorf("invalid allow CIDR: %w", err)
	}
	deny, err := parsePrefixes(config.DenyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("invalid deny CIDR: %w", err)
	}

	if resolver == nil {
		resolver = net.DefaultResolver
	}

	timeout := time.Duration(config.ResolveTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Validator{resolver: resolver, allow: allow, deny: deny, timeout: timeout}, nil
}

// Validate checks the URL provided is one which we're permitted to fetch. Hostnames
// are resolved before deciding, and the URL is rejected if ANY of the resolved
// addresses are blocked.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return &RejectedError{rawURL, "url could not be parsed"}
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return &RejectedError{rawURL, "url has no scheme"}
	default:
		return &RejectedError{rawURL, fmt.Sprintf("scheme %q is not permitted", u.Scheme)}
	}

	if u.User != nil {
		return &RejectedError{rawURL, "url must not contain credentials"}
	}

	host := u.Hostname()
	if host == "" {
		return &RejectedError{rawURL, "url has no host"}
	}

	if port := u.Port(); port != "" {
		if _, err := net.LookupPort("tcp", port); err != nil {
			return &RejectedError{rawURL, fmt.Sprintf("port %q is invalid", port)}
		}
	}

	return v.checkHost(ctx, rawURL, host)
}

// checkHost resolves the host provided and rejects it if any of the resulting
// addresses are not public.
func (v *Validator) checkHost(ctx context.Context, target string, host string) error {
	addrs, err := v.resolve(ctx, host)
	if err != nil {
		log.Debugf("Resolution of %s failed: %v\n", host, err)
		return &RejectedError{target, fmt.Sprintf("host %q could not be resolved", host)}
	}

	for _, addr := range addrs {
		if reason := v.blockedReason(addr); reason != "" {
			return &RejectedError{target, reason}
		}
	}

	return nil
}

func (v *Validator) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	addrs, err := v.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses found for %s", host)
	}

	return addrs, nil
}

// blockedReason returns a human-readable reason if the address is not permitted,
// or an empty string if the address is allowed.
func (v *Validator) blockedReason(addr netip.Addr) string {
	addr = addr.Unmap().WithZone("")
	for _, p := range v.allow {
		if p.Contains(addr) {
			return ""
		}
	}

	for _, p := range v.deny {
		if p.Contains(addr) {
			return fmt.Sprintf("destination %s is a private address (denied by policy)", addr)
		}
	}

	for _, r := range builtinBlocked {
		if r.prefix.Contains(addr) {
			return fmt.Sprintf("destination %s is a private address (%s)", addr, r.category)
		}
	}

	if embedded, tunnel, ok := embeddedIPv4(addr); ok {
		if reason := v.blockedReason(embedded); reason != "" {
			return fmt.Sprintf("%s, tunnelled via %s address %s", reason, tunnel, addr)
		}
	}

	return ""
}

// CheckAddr returns a RejectedError if the address provided is blocked.
func (v *Validator) CheckAddr(addr netip.Addr) error {
	if reason := v.blockedReason(addr); reason != "" {
		return &RejectedError{addr.String(), reason}
	}

	return nil
}
