package routezero

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

// Member is one entity participating in the overlay network,
// as reported by the membership provider.
//
// ID is the provider's stable node identifier and never changes for the life of the member.
// Name is the display name assigned in the provider's console and may be empty,
// a duplicate of another member's name,
// or not usable as a DNS label;
// naming policy is applied by the [Reconciler], not here.
type Member struct {
	ID         string
	Name       string
	Addresses  []netip.Addr
	Authorized bool
	Online     bool
}

// OwnedRecord is the set of address record values held at one DNS name,
// restricted to records carrying this system's owner tag.
// A name with both A and AAAA records appears as a single OwnedRecord with a mixed address set.
type OwnedRecord struct {
	Name  string
	Addrs []netip.Addr
}

// Action is the kind of change applied to a DNS name.
type Action int

const (
	// ActionDelete removes every owned record at the name.
	ActionDelete Action = iota
	// ActionUpsert converges the owned records at the name to exactly the record's address set.
	ActionUpsert
)

func (a Action) String() string {
	switch a {
	case ActionDelete:
		return "DELETE"
	case ActionUpsert:
		return "UPSERT"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Change pairs an action with the record it applies to.
// For deletes the record holds the current owned values;
// for upserts it holds the desired values.
type Change struct {
	Action Action
	Record OwnedRecord
}

// ChangeSet is an ordered list of changes.
// Deletes are listed before upserts,
// and within each action changes are sorted by name,
// so identical inputs always produce identical output.
type ChangeSet []Change

// Warning records a non-fatal policy decision made during planning,
// such as a name collision between two members.
type Warning struct {
	MemberID string
	Name     string
	Reason   string
}

func (w Warning) String() string {
	return fmt.Sprintf("member %s (%s): %s", w.MemberID, w.Name, w.Reason)
}

// Outcome summarizes one reconciliation pass.
type Outcome struct {
	Deletes  int
	Upserts  int
	Warnings []Warning
}

func (o Outcome) String() string {
	s := fmt.Sprintf("applied %d deletes, %d upserts", o.Deletes, o.Upserts)
	if len(o.Warnings) > 0 {
		var reasons []string
		for _, w := range o.Warnings {
			reasons = append(reasons, w.String())
		}
		s += fmt.Sprintf(" (%d warnings: %s)", len(o.Warnings), strings.Join(reasons, "; "))
	}
	return s
}

func sortAddrs(addrs []netip.Addr) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
}

// addrsEqual compares two address sets ignoring order and duplicates.
func addrsEqual(a, b []netip.Addr) bool {
	as := map[netip.Addr]bool{}
	for _, addr := range a {
		as[addr] = true
	}
	bs := map[netip.Addr]bool{}
	for _, addr := range b {
		bs[addr] = true
	}
	if len(as) != len(bs) {
		return false
	}
	for addr := range as {
		if !bs[addr] {
			return false
		}
	}
	return true
}
