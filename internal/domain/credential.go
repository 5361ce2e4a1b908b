package domain

import (
	"strings"
	"time"
)

// MatchTier orders credential rules from most to least specific.
type MatchTier int

const (
	TierExactHost MatchTier = iota
	TierHostSuffix
	TierContains
	TierWildcard
	tierNone
)

func (t MatchTier) String() string {
	switch t {
	case TierExactHost:
		return "host"
	case TierHostSuffix:
		return "suffix"
	case TierContains:
		return "contains"
	case TierWildcard:
		return "wildcard"
	default:
		return "none"
	}
}

// MatchRule decides which URLs a credential may serve.
type MatchRule struct {
	Hosts    []string // exact host names
	Suffixes []string // host equals the suffix or ends with "."+suffix
	Contains []string // raw substring of the normalized URL
	Any      bool     // matches every URL
}

// Tier returns the most specific tier of r that matches, or ok=false.
// host must already be lower-cased with any leading "www." removed.
func (r MatchRule) Tier(host, rawURL string) (MatchTier, bool) {
	if host != "" {
		for _, h := range r.Hosts {
			if host == h {
				return TierExactHost, true
			}
		}
		for _, s := range r.Suffixes {
			if host == s || hasDotSuffix(host, s) {
				return TierHostSuffix, true
			}
		}
	}
	for _, c := range r.Contains {
		if c != "" && strings.Contains(strings.ToLower(rawURL), strings.ToLower(c)) {
			return TierContains, true
		}
	}
	if r.Any {
		return TierWildcard, true
	}
	return tierNone, false
}

// Credential is one cookie file usable against the sites its rule matches.
type Credential struct {
	Name string // stable, derived from the file name
	Path string // cookie file handed to the retrieval tool
	Rule MatchRule

	// LastUsedAt is zero until the first allocation. Only the pool mutates it.
	LastUsedAt time.Time
}

// Eligible applies the cooldown invariant: never used, or used at least cooldown ago.
func (c *Credential) Eligible(now time.Time, cooldown time.Duration) bool {
	if c.LastUsedAt.IsZero() {
		return true
	}
	return now.Sub(c.LastUsedAt) >= cooldown
}

func hasDotSuffix(host, suffix string) bool {
	if len(host) <= len(suffix)+1 {
		return false
	}
	return host[len(host)-len(suffix)-1] == '.' && host[len(host)-len(suffix):] == suffix
}
