package safety

import "net/netip"

type blockedRange struct {
	prefix   netip.Prefix
	category string
}

// Ordered so that the most specific category wins; metadata endpoints
// sit inside broader link-local/private ranges.
var builtinBlocked = mustRanges([][2]string{
	{"169.254.169.254/32", "metadata"},
	{"100.100.100.200/32", "metadata"},
	{"fd00:ec2::254/128", "metadata"},

	{"0.0.0.0/8", "unspecified"},
	{"10.0.0.0/8", "private"},
	{"100.64.0.0/10", "shared"},
	{"127.0.0.0/8", "loopback"},
	{"169.254.0.0/16", "link-local"},
	{"172.16.0.0/12", "private"},
	{"192.0.0.0/24", "reserved"},
	{"192.0.2.0/24", "reserved"},
	{"192.168.0.0/16", "private"},
	{"198.18.0.0/15", "reserved"},
	{"198.51.100.0/24", "reserved"},
	{"203.0.113.0/24", "reserved"},
	{"224.0.0.0/4", "multicast"},
	{"240.0.0.0/4", "reserved"},

	{"::/128", "unspecified"},
	{"::1/128", "loopback"},
	{"64:ff9b::/96", "reserved"},
	{"100::/64", "reserved"},
	{"2001:db8::/32", "reserved"},
	{"fc00::/7", "private"},
	{"fe80::/10", "link-local"},
	{"ff00::/8", "multicast"},
})

var (
	sixToFour = netip.MustParsePrefix("2002::/16")
	teredo    = netip.MustParsePrefix("2001::/32")
)

// embeddedIPv4 returns the IPv4 address tunnelled inside a 6to4 or Teredo
// address, along with the name of the tunnel.
func embeddedIPv4(addr netip.Addr) (netip.Addr, string, bool) {
	if !addr.Is6() {
		return netip.Addr{}, "", false
	}

	b := addr.As16()
	switch {
	case sixToFour.Contains(addr):
		return netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]}), "6to4", true
	case teredo.Contains(addr):
		// The Teredo client address is stored with every bit inverted
		return netip.AddrFrom4([4]byte{b[12] ^ 0xff, b[13] ^ 0xff, b[14] ^ 0xff, b[15] ^ 0xff}), "Teredo", true
	}

	return netip.Addr{}, "", false
}

func mustRanges(defs [][2]string) []blockedRange {
	out := make([]blockedRange, len(defs))
	for i, d := range defs {
		out[i] = blockedRange{prefix: netip.MustParsePrefix(d[0]), category: d[1]}
	}

	return out
}

func parsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		if c == "" {
			continue
		}

		p, err := netip.ParsePrefix(c)
		if err != nil {
			// Permit bare addresses as single-host prefixes
			addr, addrErr := netip.ParseAddr(c)
			if addrErr != nil {
				return nil, err
			}
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
		out = append(out, p.Masked())
	}

	return out, nil
}
