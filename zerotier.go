package routezero

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// DefaultCentralURL is the hosted ZeroTier Central API.
// Self-hosted controllers can point a CentralClient elsewhere via BaseURL.
const DefaultCentralURL = "https://my.zerotier.com"

// CentralClient fetches network membership from the ZeroTier Central API.
//
// The zero value is not usable; construct with NewCentralClient.
// It is read-only:
// the only call it makes is listing a network and its members.
type CentralClient struct {
	// BaseURL overrides DefaultCentralURL, e.g. for a self-hosted controller.
	BaseURL string
	// HTTPClient overrides the underlying transport.
	HTTPClient *http.Client

	token  string
	logger *log.Logger
}

// NewCentralClient returns a membership client authenticating with the given API token.
func NewCentralClient(token string) *CentralClient {
	return &CentralClient{token: token, logger: discard}
}

// SetLogger directs the client's progress logging to logger.
func (c *CentralClient) SetLogger(logger *log.Logger) {
	if logger == nil {
		logger = discard
	}
	c.logger = logger
}

// SetHTTPClient sets the underlying *http.Client used for API calls.
func (c *CentralClient) SetHTTPClient(httpclient *http.Client) {
	c.HTTPClient = httpclient
}

type ztNetwork struct {
	ID     string `json:"id"`
	Config struct {
		Name         string `json:"name"`
		V6AssignMode struct {
			RFC4193 bool `json:"rfc4193"`
		} `json:"v6AssignMode"`
	} `json:"config"`
}

type ztMember struct {
	NodeID string `json:"nodeId"`
	Name   string `json:"name"`
	Online bool   `json:"online"`
	Config struct {
		Authorized    bool     `json:"authorized"`
		IPAssignments []string `json:"ipAssignments"`
	} `json:"config"`
}

// Members lists the current members of networkID.
//
// Authorized and online flags are surfaced exactly as the provider reports them;
// members without any assigned address are returned with an empty address set.
// Which of those matter is reconciliation policy, decided by the [Reconciler].
//
// When the network assigns RFC 4193 IPv6 addresses,
// the derived fd-prefixed address is appended to each member's set the same
// way the controller derives it,
// since Central does not include it in ipAssignments.
func (c *CentralClient) Members(ctx context.Context, networkID string) ([]Member, error) {
	var network ztNetwork
	if err := c.get(ctx, "/api/network/"+networkID, &network); err != nil {
		return nil, fmt.Errorf("fetching network %s: %w", networkID, err)
	}

	var raw []ztMember
	if err := c.get(ctx, "/api/network/"+networkID+"/member", &raw); err != nil {
		return nil, fmt.Errorf("fetching members of network %s: %w", networkID, err)
	}
	c.logger.Printf("network %s returned %d members", networkID, len(raw))

	members := make([]Member, 0, len(raw))
	for _, zm := range raw {
		m := Member{
			ID:         zm.NodeID,
			Name:       zm.Name,
			Authorized: zm.Config.Authorized,
			Online:     zm.Online,
		}
		for _, s := range zm.Config.IPAssignments {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				c.logger.Printf("member %s has unparseable assignment %q: %s", zm.NodeID, s, err)
				continue
			}
			m.Addresses = append(m.Addresses, addr)
		}
		if network.Config.V6AssignMode.RFC4193 {
			addr, err := rfc4193Addr(networkID, zm.NodeID)
			if err != nil {
				c.logger.Printf("member %s: %s", zm.NodeID, err)
			} else {
				m.Addresses = append(m.Addresses, addr)
			}
		}
		members = append(members, m)
	}
	return members, nil
}

func (c *CentralClient) get(ctx context.Context, path string, into any) error {
	base := c.BaseURL
	if base == "" {
		base = DefaultCentralURL
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+path, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "bearer "+c.token)

	resp, err := c.retryClient().Do(req)
	if err != nil {
		// connection failures and retry-exhausted 5xx responses land here
		return &TransientError{Provider: "zerotier", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &AuthError{Provider: "zerotier", Err: fmt.Errorf("%s returned %s", path, resp.Status)}
	default:
		// remaining 4xx (bad network ID and similar) are fatal, not retried
		return fmt.Errorf("zerotier: %s returned %s", path, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Provider: "zerotier", Err: fmt.Errorf("error reading response body: %w", err)}
	}
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("zerotier: error decoding %s response: %w", path, err)
	}
	return nil
}

func (c *CentralClient) retryClient() *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	if c.HTTPClient != nil {
		rc.HTTPClient = c.HTTPClient
	}
	return rc
}

// rfc4193Addr derives the RFC 4193 IPv6 address ZeroTier assigns each node:
// fd + 16 hex digits of network ID + 9993 + 10 hex digits of node ID.
func rfc4193Addr(networkID, nodeID string) (netip.Addr, error) {
	h := "fd" + networkID + "9993" + nodeID
	if len(h) != 32 {
		return netip.Addr{}, fmt.Errorf("cannot derive rfc4193 address from network %q and node %q", networkID, nodeID)
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("cannot derive rfc4193 address from network %q and node %q: %w", networkID, nodeID, err)
	}
	var a16 [16]byte
	copy(a16[:], b)
	return netip.AddrFrom16(a16), nil
}
