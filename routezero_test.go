package routezero_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Travis-Britz/routezero"
)

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	members []routezero.Member
	errs    []error // consumed one per call; nil entries mean success
}

func (f *fakeSource) Members(ctx context.Context, networkID string) ([]routezero.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.members, nil
}

type fakeZone struct {
	mu       sync.Mutex
	records  []routezero.OwnedRecord
	applied  []routezero.ChangeSet
	applyErr error
}

func (f *fakeZone) OwnedRecords(ctx context.Context, zone string) ([]routezero.OwnedRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records, nil
}

func (f *fakeZone) ApplyChanges(ctx context.Context, zone string, changes routezero.ChangeSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, changes)
	return f.applyErr
}

func newTestClient(t *testing.T, source *fakeSource, zone *fakeZone) routezero.Client {
	t.Helper()
	c, err := routezero.New("8056c2e21c000001", "zone.example.com",
		routezero.UsingMemberSource(source),
		routezero.UsingZoneProvider(zone),
		routezero.WithRetry(3, 1*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("error creating client: %s", err)
	}
	return c
}

func TestRunAppliesChanges(t *testing.T) {
	source := &fakeSource{members: []routezero.Member{
		member("a", "alice", true, true, "10.0.0.1"),
	}}
	zone := &fakeZone{records: []routezero.OwnedRecord{
		owned("gone.zone.example.com", "10.0.0.9"),
	}}

	outcome, err := newTestClient(t, source, zone).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %s", err)
	}
	if outcome.Deletes != 1 || outcome.Upserts != 1 {
		t.Fatalf("Expected 1 delete and 1 upsert; got %+v", outcome)
	}
	if len(zone.applied) != 1 {
		t.Fatalf("Expected 1 batch; got %d", len(zone.applied))
	}
	batch := zone.applied[0]
	if batch[0].Action != routezero.ActionDelete || batch[1].Action != routezero.ActionUpsert {
		t.Fatalf("Expected deletes before upserts; got %+v", batch)
	}
}

func TestRunNoChangesSkipsApply(t *testing.T) {
	source := &fakeSource{members: []routezero.Member{
		member("a", "alice", true, true, "10.0.0.1"),
	}}
	zone := &fakeZone{records: []routezero.OwnedRecord{
		owned("alice.zone.example.com", "10.0.0.1"),
	}}

	outcome, err := newTestClient(t, source, zone).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %s", err)
	}
	if outcome.Deletes != 0 || outcome.Upserts != 0 {
		t.Fatalf("Expected empty outcome; got %+v", outcome)
	}
	if len(zone.applied) != 0 {
		t.Fatalf("Expected no batches when state already matches; got %+v", zone.applied)
	}
}

func TestRunRetriesTransientFetch(t *testing.T) {
	source := &fakeSource{
		members: []routezero.Member{member("a", "alice", true, true, "10.0.0.1")},
		errs:    []error{&routezero.TransientError{Provider: "zerotier", Err: fmt.Errorf("gateway timeout")}},
	}
	zone := &fakeZone{}

	outcome, err := newTestClient(t, source, zone).Run(context.Background())
	if err != nil {
		t.Fatalf("Expected retry to recover; got %s", err)
	}
	if source.calls != 2 {
		t.Fatalf("Expected 2 membership fetches; got %d", source.calls)
	}
	if outcome.Upserts != 1 {
		t.Fatalf("Expected 1 upsert; got %+v", outcome)
	}
}

func TestRunDoesNotRetryAuthErrors(t *testing.T) {
	source := &fakeSource{
		errs: []error{
			&routezero.AuthError{Provider: "zerotier", Err: fmt.Errorf("401 unauthorized")},
			&routezero.AuthError{Provider: "zerotier", Err: fmt.Errorf("401 unauthorized")},
		},
	}
	zone := &fakeZone{}

	_, err := newTestClient(t, source, zone).Run(context.Background())
	var autherr *routezero.AuthError
	if !errors.As(err, &autherr) {
		t.Fatalf("Expected *AuthError; got %v", err)
	}
	if source.calls != 1 {
		t.Fatalf("Expected auth failure after exactly 1 fetch; got %d", source.calls)
	}
}

func TestRunGivesUpAfterBoundedRetries(t *testing.T) {
	transient := &routezero.TransientError{Provider: "zerotier", Err: fmt.Errorf("flaky")}
	source := &fakeSource{errs: []error{transient, transient, transient, transient, transient}}
	zone := &fakeZone{}

	_, err := newTestClient(t, source, zone).Run(context.Background())
	if err == nil {
		t.Fatal("Expected the pass to fail after bounded retries; got err == nil")
	}
	if source.calls != 3 {
		t.Fatalf("Expected exactly 3 attempts; got %d", source.calls)
	}
}

func TestRunReportsPartialBatch(t *testing.T) {
	source := &fakeSource{members: []routezero.Member{
		member("a", "alice", true, true, "10.0.0.1"),
		member("b", "bob", true, true, "10.0.0.2"),
	}}
	zone := &fakeZone{}
	zone.applyErr = &routezero.PartialBatchError{
		Applied: routezero.ChangeSet{
			{Action: routezero.ActionUpsert, Record: owned("alice.zone.example.com", "10.0.0.1")},
		},
		Remaining: routezero.ChangeSet{
			{Action: routezero.ActionUpsert, Record: owned("bob.zone.example.com", "10.0.0.2")},
		},
		Err: fmt.Errorf("server error"),
	}

	outcome, err := newTestClient(t, source, zone).Run(context.Background())
	var partial *routezero.PartialBatchError
	if !errors.As(err, &partial) {
		t.Fatalf("Expected *PartialBatchError; got %v", err)
	}
	if outcome.Upserts != 1 {
		t.Fatalf("Expected outcome to count only the applied subset; got %+v", outcome)
	}
	if len(zone.applied) != 1 {
		t.Fatalf("Expected the batch not to be retried in place; got %d batches", len(zone.applied))
	}
}

func TestRunReportsCollisionWarnings(t *testing.T) {
	source := &fakeSource{members: []routezero.Member{
		member("a", "laptop", true, true, "10.0.0.1"),
		member("b", "laptop", true, true, "10.0.0.2"),
	}}
	zone := &fakeZone{}

	outcome, err := newTestClient(t, source, zone).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %s", err)
	}
	if len(outcome.Warnings) != 1 {
		t.Fatalf("Expected 1 collision warning; got %+v", outcome.Warnings)
	}
	if outcome.Upserts != 1 {
		t.Fatalf("Expected the surviving member to be upserted; got %+v", outcome)
	}
}

func TestNewRequiresProviders(t *testing.T) {
	if _, err := routezero.New("8056c2e21c000001", "zone.example.com"); err == nil {
		t.Fatal("Expected an error when no providers are registered; got err == nil")
	}
	if _, err := routezero.New("", "zone.example.com", routezero.UsingMemberSource(&fakeSource{}), routezero.UsingZoneProvider(&fakeZone{})); err == nil {
		t.Fatal("Expected an error for an empty network ID; got err == nil")
	}
	if _, err := routezero.New("8056c2e21c000001", "nodots", routezero.UsingMemberSource(&fakeSource{}), routezero.UsingZoneProvider(&fakeZone{})); err == nil {
		t.Fatal("Expected an error for a zone without a dot; got err == nil")
	}
}

func TestPassTimeout(t *testing.T) {
	source := &fakeSource{members: []routezero.Member{member("a", "alice", true, true, "10.0.0.1")}}
	zone := &slowZone{delay: 500 * time.Millisecond}

	c, err := routezero.New("8056c2e21c000001", "zone.example.com",
		routezero.UsingMemberSource(source),
		routezero.UsingZoneProvider(zone),
		routezero.WithPassTimeout(50*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("error creating client: %s", err)
	}
	if _, err := c.Run(context.Background()); err == nil {
		t.Fatal("Expected the pass to abort on timeout; got err == nil")
	}
}

type slowZone struct {
	delay time.Duration
}

func (s *slowZone) OwnedRecords(ctx context.Context, zone string) ([]routezero.OwnedRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
		return nil, nil
	}
}

func (s *slowZone) ApplyChanges(ctx context.Context, zone string, changes routezero.ChangeSet) error {
	return nil
}
