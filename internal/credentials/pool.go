package credentials

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
	"github.com/MrSnakeDoc/terafetch/internal/links"
)

// DefaultCooldown is the minimum delay before a credential is handed out again.
const DefaultCooldown = 90 * time.Second

// UsageRecorder is told about every successful allocation.
type UsageRecorder interface {
	RecordCredentialUse(name string, at time.Time)
}

// Pool owns the credential set and serializes every allocation through one mutex.
type Pool struct {
	mu          sync.Mutex
	credentials []*domain.Credential
	cooldown    time.Duration
	now         func() time.Time
	shuffle     func(n int, swap func(i, j int))
	recorder    UsageRecorder
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithShuffle replaces the random start order, for tests.
func WithShuffle(shuffle func(n int, swap func(i, j int))) Option {
	return func(p *Pool) { p.shuffle = shuffle }
}

// WithRecorder registers a usage recorder. It is called outside the pool lock.
func WithRecorder(r UsageRecorder) Option {
	return func(p *Pool) { p.recorder = r }
}

// NewPool builds a pool. A non-positive cooldown falls back to DefaultCooldown.
func NewPool(creds []*domain.Credential, cooldown time.Duration, opts ...Option) *Pool {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	p := &Pool{
		credentials: creds,
		cooldown:    cooldown,
		now:         time.Now,
		shuffle:     rand.Shuffle,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Cooldown returns the configured cooldown.
func (p *Pool) Cooldown() time.Duration { return p.cooldown }

// Len returns the number of loaded credentials.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.credentials)
}

// Acquire picks an eligible credential for rawURL and stamps it as used.
//
// Matching credentials are scanned tier by tier (exact host, host suffix, substring,
// wildcard); inside a tier the start order is random. The first credential past its
// cooldown wins. Errors are KindNoMatchingCredential when nothing matches the URL and
// KindCredentialsCoolingDown when matches exist but none is eligible.
func (p *Pool) Acquire(rawURL string) (domain.Credential, error) {
	host := links.Host(rawURL)

	p.mu.Lock()
	now := p.now()
	chosen, matched := p.pickLocked(host, rawURL, now)
	var out domain.Credential
	if chosen != nil {
		chosen.LastUsedAt = now
		out = *chosen
	}
	p.mu.Unlock()

	switch {
	case chosen != nil:
		if p.recorder != nil {
			p.recorder.RecordCredentialUse(out.Name, out.LastUsedAt)
		}
		return out, nil
	case matched == 0:
		return domain.Credential{}, domain.E(domain.KindNoMatchingCredential, "credentials.acquire",
			"no credential configured for "+displayHost(host), nil)
	default:
		return domain.Credential{}, domain.E(domain.KindCredentialsCoolingDown, "credentials.acquire",
			"all credentials for "+displayHost(host)+" are cooling down", nil)
	}
}

func (p *Pool) pickLocked(host, rawURL string, now time.Time) (*domain.Credential, int) {
	var tiers [domain.TierWildcard + 1][]*domain.Credential
	matched := 0
	for _, c := range p.credentials {
		if tier, ok := c.Rule.Tier(host, rawURL); ok {
			tiers[tier] = append(tiers[tier], c)
			matched++
		}
	}

	for _, group := range tiers {
		if len(group) == 0 {
			continue
		}
		p.shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		for _, c := range group {
			if c.Eligible(now, p.cooldown) {
				return c, matched
			}
		}
	}
	return nil, matched
}

// Status is a read-only view of one credential.
type Status struct {
	Name       string    `json:"name"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	Eligible   bool      `json:"eligible"`
	ReadyIn    string    `json:"ready_in,omitempty"`
}

// Snapshot lists every credential with its cooldown state, sorted by name.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]Status, 0, len(p.credentials))
	for _, c := range p.credentials {
		s := Status{
			Name:       c.Name,
			LastUsedAt: c.LastUsedAt,
			Eligible:   c.Eligible(now, p.cooldown),
		}
		if !s.Eligible {
			s.ReadyIn = (p.cooldown - now.Sub(c.LastUsedAt)).Round(time.Second).String()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func displayHost(host string) string {
	if host == "" {
		return "this link"
	}
	return host
}
