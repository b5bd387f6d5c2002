package ratekeeper

import (
	"fmt"
	"net/netip"
	"strings"
)

// AccessList answers whitelist and blacklist membership for source
// addresses. Entries may be single IPs ("203.0.113.7") or CIDR ranges
// ("10.0.0.0/8"); IPv6 and 4-in-6 mapped addresses are normalized before
// matching. A built list is immutable; the service swaps in a fresh one
// on reload.
type AccessList struct {
	allowAddrs map[netip.Addr]struct{}
	allowNets  []netip.Prefix
	denyAddrs  map[netip.Addr]struct{}
	denyNets   []netip.Prefix
}

// NewAccessList parses allow and deny entries. Any invalid entry fails
// the whole build, so a typo cannot silently drop part of a blacklist.
func NewAccessList(allow, deny []string) (*AccessList, error) {
	l := &AccessList{
		allowAddrs: make(map[netip.Addr]struct{}),
		denyAddrs:  make(map[netip.Addr]struct{}),
	}
	for _, entry := range allow {
		if err := l.add(entry, true); err != nil {
			return nil, err
		}
	}
	for _, entry := range deny {
		if err := l.add(entry, false); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *AccessList) add(entry string, allow bool) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil
	}
	if strings.Contains(entry, "/") {
		pfx, err := netip.ParsePrefix(entry)
		if err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		pfx = netip.PrefixFrom(pfx.Addr().Unmap(), pfx.Bits()).Masked()
		if allow {
			l.allowNets = append(l.allowNets, pfx)
		} else {
			l.denyNets = append(l.denyNets, pfx)
		}
		return nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return fmt.Errorf("invalid IP %q: %w", entry, err)
	}
	if allow {
		l.allowAddrs[addr.Unmap()] = struct{}{}
	} else {
		l.denyAddrs[addr.Unmap()] = struct{}{}
	}
	return nil
}

// IsBlacklisted reports whether ip is covered by the deny list.
// Unparseable addresses never match either list.
func (l *AccessList) IsBlacklisted(ip string) bool {
	return l.match(ip, l.denyAddrs, l.denyNets)
}

// IsWhitelisted reports whether ip is covered by the allow list.
func (l *AccessList) IsWhitelisted(ip string) bool {
	return l.match(ip, l.allowAddrs, l.allowNets)
}

func (l *AccessList) match(ip string, addrs map[netip.Addr]struct{}, nets []netip.Prefix) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if _, ok := addrs[addr]; ok {
		return true
	}
	for _, pfx := range nets {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}
