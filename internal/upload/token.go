package upload

import (
	"context"
	"sync"
	"time"
)

// DefaultRenewMargin is how long before expiry a minted capability is replaced.
const DefaultRenewMargin = 30 * time.Second

// Renewer mints capabilities with the broker's admin API key and hands the
// current one to every broker call, minting a new one when it nears expiry.
// Its Token method is a TokenSource.
type Renewer struct {
	issuer   *Client
	adminKey string
	req      CapabilityRequest
	margin   time.Duration
	now      func() time.Time

	mu  sync.Mutex
	cur CapabilityResponse
}

type RenewerOption func(*Renewer)

func WithRenewMargin(d time.Duration) RenewerOption {
	return func(r *Renewer) { r.margin = d }
}

// WithRenewClock replaces time.Now when checking expiry.
func WithRenewClock(now func() time.Time) RenewerOption {
	return func(r *Renewer) { r.now = now }
}

func NewRenewer(issuer *Client, adminKey string, req CapabilityRequest, opts ...RenewerOption) *Renewer {
	r := &Renewer{issuer: issuer, adminKey: adminKey, req: req, margin: DefaultRenewMargin, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Renewer) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur.Token != "" && r.now().Add(r.margin).Before(r.cur.ExpiresAt) {
		return r.cur.Token, nil
	}
	resp, err := r.issuer.IssueCapability(ctx, r.adminKey, r.req)
	if err != nil {
		return "", err
	}
	r.cur = resp
	return resp.Token, nil
}
