// ABOUTME: Two-state AI/human ownership machine per conversation
// ABOUTME: Invalidates session cache, notifies the voice channel and broadcasts transitions

package handoff

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/switchboard-gateway/internal/auth"
	"github.com/2389/switchboard-gateway/internal/cache"
	"github.com/2389/switchboard-gateway/internal/events"
)

// Owner is who currently controls a conversation
type Owner string

// Owners
const (
	OwnerAI    Owner = "ai"
	OwnerHuman Owner = "human"
)

// DefaultSideEffectTimeout bounds voice provider notifications
const DefaultSideEffectTimeout = 10 * time.Second

// ReasonRestored marks a handoff reloaded from the store.
const ReasonRestored = "restored"

// VoiceControl pauses and resumes the AI voice agent.
type VoiceControl interface {
	TransferToHuman(ctx context.Context, voiceConversationID string, agent auth.Identity, reason string) error
	ResumeAI(ctx context.Context, voiceConversationID, summary string) error
}

// Emitter delivers a transition event to dashboards.
type Emitter interface {
	Emit(ev events.Event) int
}

// Target identifies the conversation a transition applies to.
type Target struct {
	ConversationID      string
	LeadID              string
	OrganizationID      string
	VoiceConversationID string
	VoiceActive         bool
	// WaitVoice makes Take deliver the transfer before returning, so frames
	// the caller writes next reach the provider after it.
	WaitVoice bool
}

// Record is the active handoff of a human-owned conversation.
type Record struct {
	ConversationID string
	Agent          auth.Identity
	Reason         string
	StartedAt      time.Time
}

// Controller holds one Record per human-owned conversation.
type Controller struct {
	mu      sync.Mutex
	records map[string]Record

	cache   *cache.Cache
	voice   VoiceControl
	emitter Emitter
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	inflight sync.WaitGroup
}

// Options configures a Controller
type Options struct {
	Cache             *cache.Cache
	Voice             VoiceControl
	Emitter           Emitter
	SideEffectTimeout time.Duration
	Logger            *slog.Logger
}

// New creates a Controller. Voice and Cache may be nil.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.SideEffectTimeout
	if timeout <= 0 {
		timeout = DefaultSideEffectTimeout
	}
	return &Controller{
		records: make(map[string]Record),
		cache:   opts.Cache,
		voice:   opts.Voice,
		emitter: opts.Emitter,
		timeout: timeout,
		logger:  logger.With("component", "handoff"),
		now:     time.Now,
	}
}

// Take gives agent control of the conversation. Taking a conversation that is
// already human-owned re-assigns it to agent.
func (c *Controller) Take(ctx context.Context, t Target, agent auth.Identity, reason string) Record {
	rec := Record{
		ConversationID: t.ConversationID,
		Agent:          agent,
		Reason:         reason,
		StartedAt:      c.now().UTC(),
	}

	c.mu.Lock()
	prev, wasHuman := c.records[t.ConversationID]
	c.records[t.ConversationID] = rec
	c.mu.Unlock()

	c.invalidate(ctx, t)

	if wasHuman {
		c.logger.Info("conversation reassigned",
			"conversation_id", t.ConversationID,
			"from_agent", prev.Agent.UserID,
			"to_agent", agent.UserID)
	} else {
		c.logger.Info("conversation taken over",
			"conversation_id", t.ConversationID,
			"agent", agent.UserID,
			"reason", reason)
	}

	if t.VoiceActive && c.voice != nil {
		transfer := func(ctx context.Context) error {
			return c.voice.TransferToHuman(ctx, t.VoiceConversationID, agent, reason)
		}
		if t.WaitVoice {
			c.notify("transfer_to_human", t.ConversationID, transfer)
		} else {
			c.sideEffect("transfer_to_human", t.ConversationID, transfer)
		}
	}

	c.emit(events.New(events.TypeConversationTakenOver, t.ConversationID, t.OrganizationID, events.HandoffPayload{
		AgentID:    agent.UserID,
		AgentEmail: agent.Email,
		Reason:     reason,
		Owner:      string(OwnerHuman),
		At:         rec.StartedAt,
	}))
	return rec
}

// Release returns control to the AI. It reports whether a handoff was
// active; releasing an AI-owned conversation does nothing.
func (c *Controller) Release(ctx context.Context, t Target, agent auth.Identity, summary string) bool {
	c.mu.Lock()
	_, ok := c.records[t.ConversationID]
	delete(c.records, t.ConversationID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("release ignored, conversation already AI-owned", "conversation_id", t.ConversationID)
		return false
	}

	c.invalidate(ctx, t)
	c.logger.Info("conversation released", "conversation_id", t.ConversationID, "agent", agent.UserID)

	if t.VoiceActive && c.voice != nil {
		c.sideEffect("resume_ai", t.ConversationID, func(ctx context.Context) error {
			return c.voice.ResumeAI(ctx, t.VoiceConversationID, summary)
		})
	}

	c.emit(events.New(events.TypeConversationReleased, t.ConversationID, t.OrganizationID, events.HandoffPayload{
		AgentID:    agent.UserID,
		AgentEmail: agent.Email,
		Summary:    summary,
		Owner:      string(OwnerAI),
		At:         c.now().UTC(),
	}))
	return true
}

// Restore reinstates a human handoff loaded from the durable record, without
// notifying the voice channel or dashboards. It does nothing and returns
// false if the conversation already has a record.
func (c *Controller) Restore(conversationID string, agent auth.Identity, startedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[conversationID]; ok {
		return false
	}
	if startedAt.IsZero() {
		startedAt = c.now().UTC()
	}
	c.records[conversationID] = Record{
		ConversationID: conversationID,
		Agent:          agent,
		Reason:         ReasonRestored,
		StartedAt:      startedAt,
	}
	return true
}

// Owner returns who controls the conversation.
func (c *Controller) Owner(conversationID string) Owner {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[conversationID]; ok {
		return OwnerHuman
	}
	return OwnerAI
}

// Record returns the active handoff of a conversation, if any.
func (c *Controller) Record(conversationID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[conversationID]
	return rec, ok
}

// Forget drops any handoff for a conversation that no longer exists.
func (c *Controller) Forget(conversationID string) {
	c.mu.Lock()
	delete(c.records, conversationID)
	c.mu.Unlock()
}

// Count returns the number of human-owned conversations.
func (c *Controller) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Wait blocks until in-flight voice notifications finish.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

func (c *Controller) invalidate(ctx context.Context, t Target) {
	if t.LeadID != "" {
		c.cache.Invalidate(ctx, cache.SessionKey(t.LeadID))
	}
}

func (c *Controller) emit(ev events.Event) {
	if c.emitter != nil {
		c.emitter.Emit(ev)
	}
}

// sideEffect runs fn detached from the caller with a bounded timeout.
func (c *Controller) sideEffect(name, conversationID string, fn func(context.Context) error) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.notify(name, conversationID, fn)
	}()
}

// notify runs fn with a bounded timeout and logs a failure.
func (c *Controller) notify(name, conversationID string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.logger.Warn("voice notification failed",
			"action", name,
			"conversation_id", conversationID,
			"error", err)
	}
}
