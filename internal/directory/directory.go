// ABOUTME: Cached lookups and invalidate-after-write mutations over the durable store
// ABOUTME: Single entry point the bridge, tools and webhooks use to read or write leads

package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard-gateway/internal/cache"
	"github.com/2389/switchboard-gateway/internal/store"
)

// Limits applied to cached list lookups.
const (
	DefaultContextMessages = 20
	DefaultSummaryLimit    = 5
)

// ErrUnknownNumber is returned when no organization owns an inbound number.
var ErrUnknownNumber = errors.New("no organization for phone number")

// LeadContext is the recent conversational context of a lead.
type LeadContext struct {
	Lead         *store.Lead          `json:"lead"`
	Messages     []*store.Message     `json:"messages"`
	Summaries    []*store.Summary     `json:"summaries"`
	Appointments []*store.Appointment `json:"appointments"`
}

// Session is the live state of a lead's current conversation, if any.
type Session struct {
	ConversationID      string `json:"conversation_id"`
	Channel             string `json:"channel"`
	VoiceConversationID string `json:"voice_conversation_id,omitempty"`
	Owner               string `json:"owner"`
	AgentID             string `json:"agent_id,omitempty"`
}

// Directory is the cached view over the store.
type Directory struct {
	store  store.Store
	cache  *cache.Cache
	ttl    cache.TTLPolicy
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Directory. A nil cache behaves as a disabled cache.
func New(st store.Store, c *cache.Cache, ttl cache.TTLPolicy, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		store:  st,
		cache:  c,
		ttl:    ttl.WithDefaults(),
		logger: logger.With("component", "directory"),
		now:    time.Now,
	}
}

// Cache returns the cache the directory reads through.
func (d *Directory) Cache() *cache.Cache {
	return d.cache
}

// TTL returns the effective TTL policy.
func (d *Directory) TTL() cache.TTLPolicy {
	return d.ttl
}

// OrganizationByPhone resolves the organization owning an inbound number.
func (d *Directory) OrganizationByPhone(ctx context.Context, phone string) (*store.Organization, error) {
	phone = cache.NormalizePhone(phone)
	org, err := cache.ReadThrough(ctx, d.cache, cache.OrganizationKey(phone), d.ttl.Organization,
		func(ctx context.Context) (*store.Organization, error) {
			return d.store.GetOrganizationByPhone(ctx, phone)
		})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownNumber
	}
	return org, err
}

// Organization returns an organization by ID.
func (d *Directory) Organization(ctx context.Context, id string) (*store.Organization, error) {
	return d.store.GetOrganization(ctx, id)
}

// FindOrCreateLead returns the lead for phone within orgID, creating it on
// first contact. created reports whether this call inserted the lead.
func (d *Directory) FindOrCreateLead(ctx context.Context, orgID, phone string) (lead *store.Lead, created bool, err error) {
	phone = cache.NormalizePhone(phone)
	key := cache.LeadKey(phone, orgID)

	lead, err = cache.ReadThrough(ctx, d.cache, key, d.ttl.Lead, func(ctx context.Context) (*store.Lead, error) {
		return d.store.GetLeadByPhone(ctx, orgID, phone)
	})
	if err == nil {
		return lead, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("looking up lead: %w", err)
	}

	now := d.now().UTC()
	lead = &store.Lead{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Phone:          phone,
		Status:         store.LeadStatusNew,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = d.store.CreateLead(ctx, lead)
	if errors.Is(err, store.ErrDuplicate) {
		// Lost a race with another first contact; the winner's row is authoritative
		existing, getErr := d.store.GetLeadByPhone(ctx, orgID, phone)
		if getErr != nil {
			return nil, false, fmt.Errorf("re-reading lead after duplicate: %w", getErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("creating lead: %w", err)
	}

	d.cache.Set(ctx, key, lead, d.ttl.Lead)
	d.cache.Invalidate(ctx, cache.StatsKey(orgID))
	d.logger.Info("created lead", "lead_id", lead.ID, "organization_id", orgID)
	return lead, true, nil
}

// Lead returns a lead by ID straight from the store.
func (d *Directory) Lead(ctx context.Context, id string) (*store.Lead, error) {
	return d.store.GetLead(ctx, id)
}

// UpdateLead persists lead and invalidates everything derived from it.
func (d *Directory) UpdateLead(ctx context.Context, lead *store.Lead) error {
	lead.UpdatedAt = d.now().UTC()
	if err := d.store.UpdateLead(ctx, lead); err != nil {
		return fmt.Errorf("updating lead: %w", err)
	}
	d.cache.InvalidateLead(ctx, lead.ID, lead.Phone, lead.OrganizationID)
	return nil
}

// RecentConversations returns a lead's newest conversations.
func (d *Directory) RecentConversations(ctx context.Context, leadID string, limit int) ([]*store.Conversation, error) {
	return cache.ReadThrough(ctx, d.cache, cache.ConversationsKey(leadID, limit), d.ttl.Conversations,
		func(ctx context.Context) ([]*store.Conversation, error) {
			return d.store.ListConversationsByLead(ctx, leadID, limit)
		})
}

// Summaries returns the summaries of a lead's finished conversations.
func (d *Directory) Summaries(ctx context.Context, leadID string) ([]*store.Summary, error) {
	return cache.ReadThrough(ctx, d.cache, cache.SummariesKey(leadID), d.ttl.Summaries,
		func(ctx context.Context) ([]*store.Summary, error) {
			return d.store.ListSummaries(ctx, leadID, DefaultSummaryLimit)
		})
}

// ConversationContext returns the lead with its recent messages, summaries
// and appointments.
func (d *Directory) ConversationContext(ctx context.Context, leadID string) (*LeadContext, error) {
	return cache.ReadThrough(ctx, d.cache, cache.ContextKey(leadID), d.ttl.Context,
		func(ctx context.Context) (*LeadContext, error) {
			lead, err := d.store.GetLead(ctx, leadID)
			if err != nil {
				return nil, err
			}
			msgs, err := d.store.ListLeadMessages(ctx, leadID, DefaultContextMessages)
			if err != nil {
				return nil, err
			}
			sums, err := d.store.ListSummaries(ctx, leadID, DefaultSummaryLimit)
			if err != nil {
				return nil, err
			}
			appts, err := d.store.ListAppointments(ctx, leadID)
			if err != nil {
				return nil, err
			}
			return &LeadContext{Lead: lead, Messages: msgs, Summaries: sums, Appointments: appts}, nil
		})
}

// ActiveSession returns the lead's newest conversation if it is still active.
// It returns store.ErrNotFound when the lead has no active conversation.
func (d *Directory) ActiveSession(ctx context.Context, leadID string) (*Session, error) {
	return cache.ReadThrough(ctx, d.cache, cache.SessionKey(leadID), d.ttl.Session,
		func(ctx context.Context) (*Session, error) {
			convs, err := d.store.ListConversationsByLead(ctx, leadID, 1)
			if err != nil {
				return nil, err
			}
			if len(convs) == 0 || convs[0].Status != store.ConversationActive {
				return nil, store.ErrNotFound
			}
			c := convs[0]
			return &Session{
				ConversationID:      c.ID,
				Channel:             c.Channel,
				VoiceConversationID: c.VoiceConversationID,
				Owner:               c.Owner,
				AgentID:             c.AgentID,
			}, nil
		})
}

// DashboardStats returns the organization's dashboard counters for today (UTC).
func (d *Directory) DashboardStats(ctx context.Context, orgID string) (*store.OrganizationStats, error) {
	since := d.now().UTC().Truncate(24 * time.Hour)
	return cache.ReadThrough(ctx, d.cache, cache.StatsKey(orgID), d.ttl.Stats,
		func(ctx context.Context) (*store.OrganizationStats, error) {
			return d.store.GetOrganizationStats(ctx, orgID, since)
		})
}

// Conversation returns a conversation by ID straight from the store.
func (d *Directory) Conversation(ctx context.Context, id string) (*store.Conversation, error) {
	return d.store.GetConversation(ctx, id)
}

// SaveConversation inserts conv and invalidates the lead's derived keys.
func (d *Directory) SaveConversation(ctx context.Context, conv *store.Conversation) error {
	now := d.now().UTC()
	if conv.StartedAt.IsZero() {
		conv.StartedAt = now
	}
	conv.UpdatedAt = now
	if err := d.store.CreateConversation(ctx, conv); err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	d.invalidateConversation(ctx, conv)
	return nil
}

// UpdateConversation persists conv and invalidates the lead's derived keys.
func (d *Directory) UpdateConversation(ctx context.Context, conv *store.Conversation) error {
	conv.UpdatedAt = d.now().UTC()
	if err := d.store.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	d.invalidateConversation(ctx, conv)
	return nil
}

// AppendMessage records a message and invalidates the lead's context.
func (d *Directory) AppendMessage(ctx context.Context, orgID string, msg *store.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = d.now().UTC()
	}
	if err := d.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	d.cache.Invalidate(ctx, cache.ContextKey(msg.LeadID), cache.StatsKey(orgID))
	return nil
}

// SearchInventory finds an organization's items by name or SKU.
func (d *Directory) SearchInventory(ctx context.Context, orgID, query string, limit int) ([]*store.InventoryItem, error) {
	return d.store.SearchInventory(ctx, orgID, query, limit)
}

// BookAppointment records an appointment and marks the lead booked.
func (d *Directory) BookAppointment(ctx context.Context, appt *store.Appointment) error {
	if appt.ID == "" {
		appt.ID = uuid.New().String()
	}
	appt.CreatedAt = d.now().UTC()
	if err := d.store.CreateAppointment(ctx, appt); err != nil {
		return fmt.Errorf("creating appointment: %w", err)
	}

	lead, err := d.store.GetLead(ctx, appt.LeadID)
	if err != nil {
		return fmt.Errorf("loading lead: %w", err)
	}
	if lead.Status != store.LeadStatusBooked {
		lead.Status = store.LeadStatusBooked
		return d.UpdateLead(ctx, lead)
	}
	d.cache.Invalidate(ctx, cache.ContextKey(lead.ID))
	return nil
}

func (d *Directory) invalidateConversation(ctx context.Context, conv *store.Conversation) {
	d.cache.Invalidate(ctx,
		cache.ContextKey(conv.LeadID),
		cache.SummariesKey(conv.LeadID),
		cache.SessionKey(conv.LeadID),
		cache.StatsKey(conv.OrganizationID),
	)
	d.cache.InvalidatePattern(ctx, cache.ConversationsPrefix(conv.LeadID))
}
