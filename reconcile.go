package routezero

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

// Reconciler computes the changes needed to converge a zone's owned records to the current membership.
// It performs no I/O:
// given the same members and owned records it always produces the same ChangeSet,
// and planning against a zone that already matches membership produces an empty one.
type Reconciler struct {
	// Zone is the DNS zone appended to each member's name.
	Zone string
}

// Reconcile computes the ordered change set that converges owned to the state desired by members.
//
// A member is eligible for a record when it is authorized and has at least one address.
// Online status is deliberately ignored:
// a briefly offline member keeps its record so resolution is not churned,
// and only de-authorization or removal drops it.
//
// When two members map to the same DNS name the member listed later wins and the
// displaced member is reported as a warning rather than failing the whole plan.
//
// Deletes come before upserts and each group is sorted by name,
// so the output is deterministic and a name moving between address sets is
// never left holding both old and new values across the batch boundary.
func (r Reconciler) Reconcile(members []Member, owned []OwnedRecord) (ChangeSet, []Warning) {
	var warnings []Warning

	want := map[string]Member{}
	for _, m := range members {
		if !m.Authorized || len(m.Addresses) == 0 {
			continue
		}
		name, usedFallback := recordName(m, r.Zone)
		if name == "" {
			warnings = append(warnings, Warning{
				MemberID: m.ID,
				Name:     m.Name,
				Reason:   "no valid DNS name could be derived; skipped",
			})
			continue
		}
		if usedFallback {
			warnings = append(warnings, Warning{
				MemberID: m.ID,
				Name:     m.Name,
				Reason:   fmt.Sprintf("display name is not a valid hostname; using %s", name),
			})
		}
		if prev, taken := want[name]; taken {
			warnings = append(warnings, Warning{
				MemberID: prev.ID,
				Name:     prev.Name,
				Reason:   fmt.Sprintf("name %s also claimed by member %s; skipped", name, m.ID),
			})
		}
		want[name] = m
	}

	have := map[string]OwnedRecord{}
	for _, rec := range owned {
		have[strings.TrimSuffix(rec.Name, ".")] = rec
	}

	var changes ChangeSet

	var deletes []string
	for name := range have {
		if _, ok := want[name]; !ok {
			deletes = append(deletes, name)
		}
	}
	sort.Strings(deletes)
	for _, name := range deletes {
		changes = append(changes, Change{Action: ActionDelete, Record: have[name]})
	}

	var upserts []string
	for name, m := range want {
		if cur, exists := have[name]; exists && addrsEqual(cur.Addrs, m.Addresses) {
			continue
		}
		upserts = append(upserts, name)
	}
	sort.Strings(upserts)
	for _, name := range upserts {
		set := map[netip.Addr]bool{}
		for _, a := range want[name].Addresses {
			set[a] = true
		}
		addrs := make([]netip.Addr, 0, len(set))
		for a := range set {
			addrs = append(addrs, a)
		}
		sortAddrs(addrs)
		changes = append(changes, Change{Action: ActionUpsert, Record: OwnedRecord{Name: name, Addrs: addrs}})
	}

	return changes, warnings
}
