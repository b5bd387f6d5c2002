package ratekeeper

import (
	"testing"
)

func TestAccessList_ExactAddresses(t *testing.T) {
	list, err := NewAccessList([]string{"203.0.113.7"}, []string{"198.51.100.1"})
	if err != nil {
		t.Fatalf("NewAccessList failed: %v", err)
	}

	if !list.IsWhitelisted("203.0.113.7") {
		t.Error("Expected 203.0.113.7 whitelisted")
	}
	if list.IsWhitelisted("203.0.113.8") {
		t.Error("Neighboring address must not match")
	}
	if !list.IsBlacklisted("198.51.100.1") {
		t.Error("Expected 198.51.100.1 blacklisted")
	}
	if list.IsBlacklisted("203.0.113.7") {
		t.Error("Whitelist entry must not appear blacklisted")
	}
}

func TestAccessList_CIDRRanges(t *testing.T) {
	list, err := NewAccessList([]string{"10.0.0.0/8"}, []string{"192.168.1.0/24", "2001:db8::/32"})
	if err != nil {
		t.Fatalf("NewAccessList failed: %v", err)
	}

	if !list.IsWhitelisted("10.255.3.4") {
		t.Error("Expected 10.255.3.4 inside 10.0.0.0/8")
	}
	if list.IsWhitelisted("11.0.0.1") {
		t.Error("11.0.0.1 is outside 10.0.0.0/8")
	}
	if !list.IsBlacklisted("192.168.1.200") {
		t.Error("Expected 192.168.1.200 inside 192.168.1.0/24")
	}
	if list.IsBlacklisted("192.168.2.1") {
		t.Error("192.168.2.1 is outside 192.168.1.0/24")
	}
	if !list.IsBlacklisted("2001:db8:1:2::3") {
		t.Error("Expected IPv6 address inside 2001:db8::/32")
	}
}

func TestAccessList_MappedIPv6Normalized(t *testing.T) {
	list, err := NewAccessList(nil, []string{"203.0.113.9"})
	if err != nil {
		t.Fatalf("NewAccessList failed: %v", err)
	}

	// A 4-in-6 mapped form of a blacklisted IPv4 address still matches.
	if !list.IsBlacklisted("::ffff:203.0.113.9") {
		t.Error("Mapped IPv6 form should match the IPv4 entry")
	}
}

func TestAccessList_InvalidEntryFailsBuild(t *testing.T) {
	if _, err := NewAccessList([]string{"not-an-ip"}, nil); err == nil {
		t.Error("Expected error for invalid allow entry")
	}
	if _, err := NewAccessList(nil, []string{"10.0.0.0/99"}); err == nil {
		t.Error("Expected error for invalid CIDR")
	}
}

func TestAccessList_BlankEntriesIgnored(t *testing.T) {
	list, err := NewAccessList([]string{"", "  ", "203.0.113.7"}, nil)
	if err != nil {
		t.Fatalf("Blank entries should be skipped, got %v", err)
	}
	if !list.IsWhitelisted("203.0.113.7") {
		t.Error("Expected valid entry to survive blank siblings")
	}
}

func TestAccessList_UnparseableQueryNeverMatches(t *testing.T) {
	list, err := NewAccessList([]string{"0.0.0.0/0"}, []string{"0.0.0.0/0"})
	if err != nil {
		t.Fatalf("NewAccessList failed: %v", err)
	}

	if list.IsWhitelisted("garbage") || list.IsBlacklisted("garbage") {
		t.Error("Unparseable source addresses must match neither list")
	}
	if list.IsWhitelisted("") || list.IsBlacklisted("") {
		t.Error("Empty source address must match neither list")
	}
}
