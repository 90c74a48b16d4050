package routezero

import (
	"strings"

	"golang.org/x/net/idna"
)

// dnsJoin joins the given parts into a single dot-separated DNS name,
// splitting each part into labels and converting non-ASCII labels to punycode.
func dnsJoin(parts ...string) (string, error) {
	var labels []string
	for _, part := range parts {
		for _, label := range strings.Split(strings.Trim(part, "."), ".") {
			labels = append(labels, label)
		}
	}
	return idna.Lookup.ToASCII(strings.Join(labels, "."))
}

// validHostname reports whether name is a valid LDH hostname:
// at most 255 octets,
// labels of 1-63 characters from [a-z0-9-],
// with no label starting or ending in a hyphen.
func validHostname(name string) bool {
	name = strings.TrimSuffix(name, ".")
	if name == "" || len(name) > 255 {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if len(label) < 1 || len(label) > 63 {
			return false
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9':
			case r == '-':
			default:
				return false
			}
		}
	}
	return true
}

// recordName derives the DNS name for a member:
// the member's display name joined with the zone,
// falling back to the provider's node ID when the display name is empty or does not form a valid hostname.
// usedFallback reports that a non-empty display name was rejected.
// An empty name return means not even the node ID produced a valid hostname.
func recordName(m Member, zone string) (name string, usedFallback bool) {
	if m.Name != "" {
		if n, err := dnsJoin(m.Name, zone); err == nil && validHostname(n) {
			return n, false
		}
		usedFallback = true
	}
	n, err := dnsJoin(m.ID, zone)
	if err != nil || !validHostname(n) {
		return "", usedFallback
	}
	return n, usedFallback
}
