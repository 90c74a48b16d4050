package routezero

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"sort"
	"strings"

	"github.com/cloudflare/cloudflare-go"
)

// DefaultOwnerTag is the record comment marking a DNS record as created by this system.
// Only records carrying the owner tag are ever listed, modified, or deleted;
// everything else in the zone belongs to someone else.
const DefaultOwnerTag = "managed by routezero"

func newCloudflareZone(token string, opts ...cloudflare.Option) (cf *cloudflareZone, err error) {
	cf = new(cloudflareZone)
	cf.api, err = cloudflare.NewWithAPIToken(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating cloudflare api client: %w", err)
	}
	cf.logger = discard
	cf.ownerTag = DefaultOwnerTag
	cf.ttl = 300
	cf.zoneIDs = map[string]string{}
	return cf, nil
}

// cloudflareZone implements ZoneProvider against the Cloudflare API.
//
// Cloudflare stores one address per record,
// so an OwnedRecord's address set maps to a group of A/AAAA records sharing a name,
// and there is no transactional batch:
// ApplyChanges walks the ChangeSet in its fixed order and reports how far it got on failure.
type cloudflareZone struct {
	api      *cloudflare.API
	logger   *log.Logger
	ownerTag string
	ttl      int
	zoneIDs  map[string]string // zone name -> zone ID
}

// OwnedRecords implements ZoneProvider.
// Listing filters on the owner comment server-side and re-checks it client-side,
// and keeps only A/AAAA records.
func (cf *cloudflareZone) OwnedRecords(ctx context.Context, zone string) ([]OwnedRecord, error) {
	zid, err := cf.zoneID(zone)
	if err != nil {
		return nil, err
	}
	index, err := cf.ownedIndex(ctx, zid)
	if err != nil {
		return nil, err
	}

	records := make([]OwnedRecord, 0, len(index))
	for name, values := range index {
		rec := OwnedRecord{Name: name}
		for addr := range values {
			rec.Addrs = append(rec.Addrs, addr)
		}
		sortAddrs(rec.Addrs)
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	cf.logger.Printf("zone %s holds %d owned names", zone, len(records))
	return records, nil
}

// ApplyChanges implements ZoneProvider.
// Changes are applied in the ChangeSet's order;
// a failure partway through returns a PartialBatchError carrying the applied and
// remaining subsets so the caller can report how far the batch got.
func (cf *cloudflareZone) ApplyChanges(ctx context.Context, zone string, changes ChangeSet) error {
	if len(changes) == 0 {
		return nil
	}
	zid, err := cf.zoneID(zone)
	if err != nil {
		return err
	}
	// re-list rather than trusting any earlier snapshot: record IDs are only
	// valid relative to the zone's state right now
	index, err := cf.ownedIndex(ctx, zid)
	if err != nil {
		return err
	}

	for i, change := range changes {
		if err := cf.apply(ctx, zid, index, change); err != nil {
			return &PartialBatchError{
				Applied:   append(ChangeSet(nil), changes[:i]...),
				Remaining: append(ChangeSet(nil), changes[i:]...),
				Err:       err,
			}
		}
	}
	return nil
}

func (cf *cloudflareZone) apply(ctx context.Context, zid string, index map[string]map[netip.Addr]string, change Change) error {
	name := strings.TrimSuffix(change.Record.Name, ".")
	current := index[name]

	desired := map[netip.Addr]bool{}
	if change.Action == ActionUpsert {
		for _, a := range change.Record.Addrs {
			desired[a] = true
		}
	}

	for addr, id := range current {
		if desired[addr] {
			cf.logger.Printf("record %s -> %s already exists", name, addr)
			continue
		}
		cf.logger.Printf("deleting record %s -> %s", name, addr)
		if err := cf.api.DeleteDNSRecord(ctx, cloudflare.ZoneIdentifier(zid), id); err != nil {
			return classifyCloudflare(fmt.Errorf("unable to delete DNS record %s: %w", id, err))
		}
		delete(current, addr)
	}

	if change.Action != ActionUpsert {
		return nil
	}
	if current == nil {
		current = map[netip.Addr]string{}
		index[name] = current
	}
	for _, addr := range change.Record.Addrs {
		if _, found := current[addr]; found {
			continue
		}
		cf.logger.Printf("creating record %s -> %s", name, addr)
		record, err := cf.api.CreateDNSRecord(ctx, cloudflare.ZoneIdentifier(zid), cloudflare.CreateDNSRecordParams{
			Type:    recordType(addr),
			Name:    name,
			Content: addr.String(),
			ZoneID:  zid,
			TTL:     cf.ttl,
			Comment: cf.ownerTag,
		})
		if err != nil {
			return classifyCloudflare(fmt.Errorf("error creating DNS record %s -> %s: %w", name, addr, err))
		}
		current[addr] = record.ID
	}
	return nil
}

// ownedIndex lists the zone's owned A/AAAA records as name -> address -> record ID.
func (cf *cloudflareZone) ownedIndex(ctx context.Context, zid string) (map[string]map[netip.Addr]string, error) {
	index := map[string]map[netip.Addr]string{}
	params := cloudflare.ListDNSRecordsParams{
		Comment:    cf.ownerTag,
		ResultInfo: cloudflare.ResultInfo{Page: 1, PerPage: 100},
	}
	for {
		records, info, err := cf.api.ListDNSRecords(ctx, cloudflare.ZoneIdentifier(zid), params)
		if err != nil {
			return nil, classifyCloudflare(fmt.Errorf("error listing DNS records: %w", err))
		}
		for _, r := range records {
			if r.Type != "A" && r.Type != "AAAA" {
				continue
			}
			// the list call already filtered on the comment, but deleting
			// someone else's record is the one mistake this system must never
			// make, so check again before the record becomes deletable
			if r.Comment != cf.ownerTag {
				continue
			}
			addr, err := netip.ParseAddr(r.Content)
			if err != nil {
				cf.logger.Printf("skipping owned record %s with unparseable content %q: %s", r.Name, r.Content, err)
				continue
			}
			name := strings.TrimSuffix(r.Name, ".")
			if index[name] == nil {
				index[name] = map[netip.Addr]string{}
			}
			index[name][addr] = r.ID
		}
		if info == nil || info.Page >= info.TotalPages {
			break
		}
		params.ResultInfo.Page = info.Page + 1
	}
	return index, nil
}

func (cf *cloudflareZone) zoneID(zone string) (string, error) {
	zone = strings.TrimSuffix(zone, ".")
	if zid, ok := cf.zoneIDs[zone]; ok {
		return zid, nil
	}
	zid, err := cf.api.ZoneIDByName(zone)
	if err != nil {
		return "", classifyCloudflare(fmt.Errorf("unable to get zone ID for %s: %w", zone, err))
	}
	cf.logger.Printf("zone %s has ID %s", zone, zid)
	cf.zoneIDs[zone] = zid
	return zid, nil
}

func recordType(a netip.Addr) string {
	if a.Is4() {
		return "A"
	}
	return "AAAA"
}

// classifyCloudflare maps cloudflare-go's error types onto the package taxonomy.
// The SDK returns some of these by value and some by pointer depending on the
// code path, so both forms are checked.
func classifyCloudflare(err error) error {
	if err == nil {
		return nil
	}
	var (
		authnP *cloudflare.AuthenticationError
		authnV cloudflare.AuthenticationError
		authzP *cloudflare.AuthorizationError
		authzV cloudflare.AuthorizationError
	)
	if errors.As(err, &authnP) || errors.As(err, &authnV) || errors.As(err, &authzP) || errors.As(err, &authzV) {
		return &AuthError{Provider: "cloudflare", Err: err}
	}
	var (
		rateP *cloudflare.RatelimitError
		rateV cloudflare.RatelimitError
		srvP  *cloudflare.ServiceError
		srvV  cloudflare.ServiceError
	)
	if errors.As(err, &rateP) || errors.As(err, &rateV) || errors.As(err, &srvP) || errors.As(err, &srvV) {
		return &TransientError{Provider: "cloudflare", Err: err}
	}
	return err
}
