package routezero

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cloudflare/cloudflare-go"
)

var discard = log.New(io.Discard, "", log.LstdFlags)

// MemberSource lists the current members of an overlay network.
type MemberSource interface {
	Members(ctx context.Context, networkID string) ([]Member, error)
}

// ZoneProvider reads and writes the records this system owns in a DNS zone.
//
// OwnedRecords must only return records carrying the owner tag;
// ApplyChanges must apply the ChangeSet in its given order and report a
// *PartialBatchError when it fails partway through.
type ZoneProvider interface {
	OwnedRecords(ctx context.Context, zone string) ([]OwnedRecord, error)
	ApplyChanges(ctx context.Context, zone string, changes ChangeSet) error
}

// Client runs reconciliation passes for one network/zone pair.
type Client interface {
	// Run performs one reconciliation pass and reports what it applied.
	// The returned Outcome is meaningful even when err is non-nil:
	// a *PartialBatchError leaves the counts at whatever the batch managed to apply.
	Run(ctx context.Context) (Outcome, error)
}

// New returns a Client that reconciles the DNS zone against the membership of networkID.
//
// A membership source and a zone provider are both required;
// the usual configuration is routezero.UsingZeroTier plus routezero.UsingCloudflare.
func New(networkID string, zone string, options ...clientOption) (Client, error) {
	if networkID == "" {
		return nil, fmt.Errorf("routezero.New: network ID cannot be empty")
	}
	if zone == "" || !strings.Contains(zone, ".") {
		return nil, fmt.Errorf("routezero.New: %q is not a usable zone name", zone)
	}
	c := &client{
		networkID: networkID,
		zoneName:  strings.TrimSuffix(zone, "."),
		ownerTag:  DefaultOwnerTag,
		ttl:       300,
		timeout:   2 * time.Minute,
		retry:     defaultRetryPolicy,
		logger:    discard,
	}
	for i, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("routezero.New: option %d returned an error: %s", i, err)
		}
	}

	if c.source == nil && c.ztToken != "" {
		c.source = NewCentralClient(c.ztToken)
	}
	if c.source == nil {
		return nil, fmt.Errorf("routezero.New: no membership source was registered - use routezero.UsingZeroTier or routezero.UsingMemberSource")
	}
	if c.zone == nil && c.cfToken != "" {
		cf, err := newCloudflareZone(c.cfToken)
		if err != nil {
			return nil, fmt.Errorf("routezero.New: error creating cloudflare zone provider: %w", err)
		}
		cf.ownerTag = c.ownerTag
		cf.ttl = c.ttl
		c.zone = cf
	}
	if c.zone == nil {
		return nil, fmt.Errorf("routezero.New: no zone provider was registered - use routezero.UsingCloudflare or routezero.UsingZoneProvider")
	}

	// this lets us propagate the logger and http client to dependencies that
	// use one if the options were given before the dependencies were registered
	withLogger(c.logger)(c)
	withHTTPClient(c.httpClient)(c)
	return c, nil
}

type clientOption func(*client) error

// UsingZeroTier registers the ZeroTier Central API as the membership source,
// authenticating with the given API token.
func UsingZeroTier(token string) clientOption {
	return func(c *client) error {
		c.ztToken = token
		return nil
	}
}

// UsingCloudflare registers Cloudflare as the DNS zone provider,
// authenticating with the given API token.
func UsingCloudflare(token string) clientOption {
	return func(c *client) error {
		c.cfToken = token
		return nil
	}
}

// UsingMemberSource registers a custom membership source in place of ZeroTier.
func UsingMemberSource(source MemberSource) clientOption {
	return func(c *client) error {
		if source == nil {
			return fmt.Errorf("member source cannot be nil")
		}
		c.source = source
		return nil
	}
}

// UsingZoneProvider registers a custom zone provider in place of Cloudflare.
func UsingZoneProvider(provider ZoneProvider) clientOption {
	return func(c *client) error {
		if provider == nil {
			return fmt.Errorf("zone provider cannot be nil")
		}
		c.zone = provider
		return nil
	}
}

// WithOwnerTag overrides DefaultOwnerTag for the built-in Cloudflare provider.
// Two deployments sharing a zone must use distinct owner tags or they will
// fight over each other's records.
func WithOwnerTag(tag string) clientOption {
	return func(c *client) error {
		if tag == "" {
			return fmt.Errorf("owner tag cannot be empty")
		}
		c.ownerTag = tag
		return nil
	}
}

// WithRecordTTL sets the TTL in seconds for records created by the built-in Cloudflare provider.
func WithRecordTTL(seconds int) clientOption {
	return func(c *client) error {
		if seconds < 1 {
			return fmt.Errorf("record TTL must be at least 1 second")
		}
		c.ttl = seconds
		return nil
	}
}

// WithPassTimeout bounds the total duration of one reconciliation pass.
// A pass that exceeds it aborts rather than blocking indefinitely.
// Zero disables the bound.
func WithPassTimeout(d time.Duration) clientOption {
	return func(c *client) error {
		c.timeout = d
		return nil
	}
}

// WithRetry bounds the in-pass retries for transient provider errors:
// total attempts per operation and a floor for the jittered exponential backoff between them.
func WithRetry(attempts int, minWait time.Duration) clientOption {
	return func(c *client) error {
		if attempts < 1 {
			return fmt.Errorf("retry attempts must be at least 1")
		}
		c.retry = retryPolicy{attempts: attempts, minWait: minWait, maxWait: defaultRetryPolicy.maxWait}
		return nil
	}
}

// WithLogger directs the client's progress logging to logger.
// The default discards everything.
func WithLogger(logger *log.Logger) clientOption {
	return func(c *client) error {
		c.logger = logger
		return nil
	}
}

func withLogger(logger *log.Logger) clientOption {
	return func(c *client) error {
		if logger == nil {
			logger = discard
		}
		c.logger = logger
		type setLogger interface {
			SetLogger(*log.Logger)
		}
		switch p := c.zone.(type) {
		case *cloudflareZone:
			p.logger = logger
		case setLogger:
			p.SetLogger(logger)
		}
		switch s := c.source.(type) {
		case setLogger:
			s.SetLogger(logger)
		}
		return nil
	}
}

// UsingHTTPClient sets the underlying *http.Client used for calls to both providers.
func UsingHTTPClient(httpclient *http.Client) clientOption {
	return func(c *client) error {
		c.httpClient = httpclient
		return nil
	}
}

func withHTTPClient(httpclient *http.Client) clientOption {
	return func(c *client) error {
		if httpclient == nil {
			return nil
		}
		type setHTTPClient interface {
			SetHTTPClient(*http.Client)
		}
		switch s := c.source.(type) {
		case setHTTPClient:
			s.SetHTTPClient(httpclient)
		}
		switch p := c.zone.(type) {
		case *cloudflareZone:
			cloudflare.HTTPClient(httpclient)(p.api)
		case setHTTPClient:
			p.SetHTTPClient(httpclient)
		}
		return nil
	}
}

type client struct {
	source     MemberSource
	zone       ZoneProvider
	networkID  string
	zoneName   string
	ownerTag   string
	ttl        int
	timeout    time.Duration
	retry      retryPolicy
	logger     *log.Logger
	httpClient *http.Client
	ztToken    string
	cfToken    string
}

// Run performs one reconciliation pass:
// fetch membership and owned records (concurrently - neither depends on the other),
// plan the change set,
// and apply it.
// Transient provider errors are retried in place with backoff;
// anything else fails the pass.
// A failed pass holds no local state,
// so the next pass re-fetches everything and converges from the zone's real content.
func (c *client) Run(ctx context.Context) (Outcome, error) {
	var outcome Outcome
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	type memberResult struct {
		members []Member
		err     error
	}
	type recordResult struct {
		records []OwnedRecord
		err     error
	}
	mch := make(chan memberResult, 1)
	rch := make(chan recordResult, 1)
	go func() {
		var r memberResult
		r.err = withRetry(ctx, c.retry, c.logger, "membership fetch", func() (err error) {
			r.members, err = c.source.Members(ctx, c.networkID)
			return err
		})
		mch <- r
	}()
	go func() {
		var r recordResult
		r.err = withRetry(ctx, c.retry, c.logger, "owned record fetch", func() (err error) {
			r.records, err = c.zone.OwnedRecords(ctx, c.zoneName)
			return err
		})
		rch <- r
	}()
	mr, rr := <-mch, <-rch
	if mr.err != nil {
		return outcome, fmt.Errorf("error fetching members of network %s: %w", c.networkID, mr.err)
	}
	if rr.err != nil {
		return outcome, fmt.Errorf("error fetching owned records in zone %s: %w", c.zoneName, rr.err)
	}
	c.logger.Printf("network %s has %d members; zone %s has %d owned names", c.networkID, len(mr.members), c.zoneName, len(rr.records))

	changes, warnings := Reconciler{Zone: c.zoneName}.Reconcile(mr.members, rr.records)
	outcome.Warnings = warnings
	for _, w := range warnings {
		c.logger.Printf("warning: %s", w)
	}
	if len(changes) == 0 {
		c.logger.Printf("zone %s already matches membership of network %s", c.zoneName, c.networkID)
		return outcome, nil
	}

	c.logger.Printf("applying %d changes to zone %s", len(changes), c.zoneName)
	err := withRetry(ctx, c.retry, c.logger, "change batch", func() error {
		return c.zone.ApplyChanges(ctx, c.zoneName, changes)
	})
	var partial *PartialBatchError
	if errors.As(err, &partial) {
		// no rollback: report how far the batch got and let the next pass
		// diff against whatever state the zone was left in
		countChanges(&outcome, partial.Applied)
		return outcome, fmt.Errorf("change batch for zone %s partially applied: %w", c.zoneName, err)
	}
	if err != nil {
		return outcome, fmt.Errorf("error applying changes to zone %s: %w", c.zoneName, err)
	}
	countChanges(&outcome, changes)
	c.logger.Printf("pass complete: %s", outcome)
	return outcome, nil
}

func countChanges(outcome *Outcome, changes ChangeSet) {
	for _, change := range changes {
		switch change.Action {
		case ActionDelete:
			outcome.Deletes++
		case ActionUpsert:
			outcome.Upserts++
		}
	}
}

type logf interface {
	Printf(string, ...any)
}

// RunDaemon starts reconciliation passes for client as a goroutine,
// one pass per interval tick until ctx is done.
// Passes run serially on a single goroutine,
// so a slow pass delays the next tick's work rather than overlapping with it.
//
// A nil logger for a Client supplied by this library indicates that the daemon should send
// its per-pass outcome logs to the logger configured in the client.
// Otherwise the default is to discard log messages.
func RunDaemon(c Client, ctx context.Context, interval time.Duration, logger logf) {
	if interval < 1*time.Minute {
		interval = 1 * time.Minute
	}
	if logger == nil {
		if cc, ok := c.(*client); ok && cc.logger != nil {
			logger = cc.logger
		} else {
			logger = discard
		}
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				outcome, err := c.Run(ctx)
				if err != nil {
					logger.Printf("routezero.RunDaemon: %s", err)
					continue
				}
				logger.Printf("routezero.RunDaemon: %s", outcome)
			}
		}
	}()
}
