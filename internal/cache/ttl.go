// ABOUTME: Per-entity time-to-live policy for cached values.
// ABOUTME: TTLs are a safety net against missed invalidations, not the primary freshness tool.

package cache

import "time"

// TTLPolicy holds the expiry used for each entity namespace.
type TTLPolicy struct {
	Lead          time.Duration
	Organization  time.Duration
	Context       time.Duration
	Session       time.Duration
	Conversations time.Duration
	Summaries     time.Duration
	Stats         time.Duration
	SMSDedupe     time.Duration
}

// DefaultTTLPolicy returns the default expiries. Identity lookups change rarely,
// conversational context changes every turn, and dashboard stats favor freshness.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Lead:          10 * time.Minute,
		Organization:  10 * time.Minute,
		Context:       time.Minute,
		Session:       2 * time.Minute,
		Conversations: 2 * time.Minute,
		Summaries:     5 * time.Minute,
		Stats:         30 * time.Second,
		SMSDedupe:     24 * time.Hour,
	}
}

// WithDefaults fills zero fields from DefaultTTLPolicy.
func (p TTLPolicy) WithDefaults() TTLPolicy {
	d := DefaultTTLPolicy()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&p.Lead, d.Lead)
	fill(&p.Organization, d.Organization)
	fill(&p.Context, d.Context)
	fill(&p.Session, d.Session)
	fill(&p.Conversations, d.Conversations)
	fill(&p.Summaries, d.Summaries)
	fill(&p.Stats, d.Stats)
	fill(&p.SMSDedupe, d.SMSDedupe)
	return p
}
