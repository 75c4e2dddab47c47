// ABOUTME: Conversation bridge between the voice channel, SMS and dashboards
// ABOUTME: Routes agent messages, relays transcripts, runs tools and tracks call lifecycle

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard-gateway/internal/auth"
	"github.com/2389/switchboard-gateway/internal/cache"
	"github.com/2389/switchboard-gateway/internal/directory"
	"github.com/2389/switchboard-gateway/internal/events"
	"github.com/2389/switchboard-gateway/internal/handoff"
	"github.com/2389/switchboard-gateway/internal/sms"
	"github.com/2389/switchboard-gateway/internal/store"
	"github.com/2389/switchboard-gateway/internal/tools"
	"github.com/2389/switchboard-gateway/internal/voice"
)

// Defaults for eviction timing
const (
	DefaultRetention     = 5 * time.Minute
	DefaultIdleTimeout   = 2 * time.Hour
	DefaultSweepInterval = time.Minute
)

// smsClaimTTL is how long a provider message id is remembered for dedupe.
const smsClaimTTL = 24 * time.Hour

// ToolRequestHumanTransfer is registered by the bridge itself.
const ToolRequestHumanTransfer = "request_human_transfer"

// ErrUnknownConversation is returned for commands naming a conversation that
// is neither live nor in the store.
var ErrUnknownConversation = errors.New("unknown conversation")

// ErrForbidden is returned when an agent acts on another organization's conversation.
var ErrForbidden = errors.New("conversation belongs to another organization")

// ErrInvalidRequest is returned for outbound call requests missing a field.
var ErrInvalidRequest = errors.New("phone, leadId and organizationId are required")

// ErrCallFailed wraps voice provider failures placing an outbound call.
var ErrCallFailed = errors.New("outbound call failed")

// Options configures a Bridge.
type Options struct {
	Directory     *directory.Directory
	Handoff       *handoff.Controller
	Emitter       handoff.Emitter
	Voice         voice.Channel
	SMS           sms.Sender
	Tools         *tools.Registry
	Retention     time.Duration
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// Bridge owns live conversation state.
type Bridge struct {
	states  *table
	dir     *directory.Directory
	handoff *handoff.Controller
	emitter handoff.Emitter
	voice   voice.Channel
	sms     sms.Sender
	tools   *tools.Registry

	retention     time.Duration
	idleTimeout   time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// View is a snapshot of a conversation with its current owner.
type View struct {
	ConversationState
	Owner   handoff.Owner   `json:"owner"`
	Handoff *handoff.Record `json:"handoff,omitempty"`
}

// New creates a Bridge and registers its own tools with opts.Tools.
func New(opts Options) (*Bridge, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Directory == nil {
		return nil, errors.New("bridge requires a directory")
	}
	ctrl := opts.Handoff
	if ctrl == nil {
		ctrl = handoff.New(handoff.Options{Cache: opts.Directory.Cache(), Voice: opts.Voice, Emitter: opts.Emitter, Logger: logger})
	}
	registry := opts.Tools
	if registry == nil {
		registry = tools.NewRegistry(tools.DefaultTimeout, logger)
	}
	sender := opts.SMS
	if sender == nil {
		sender = sms.Disabled{}
	}

	b := &Bridge{
		states:        newTable(),
		dir:           opts.Directory,
		handoff:       ctrl,
		emitter:       opts.Emitter,
		voice:         opts.Voice,
		sms:           sender,
		tools:         registry,
		retention:     orDefault(opts.Retention, DefaultRetention),
		idleTimeout:   orDefault(opts.IdleTimeout, DefaultIdleTimeout),
		sweepInterval: orDefault(opts.SweepInterval, DefaultSweepInterval),
		logger:        logger.With("component", "bridge"),
		now:           time.Now,
	}

	err := registry.Register(tools.Tool{
		Name:        ToolRequestHumanTransfer,
		Description: "Ask a human agent to join the conversation",
		Handler:     b.requestHumanTransfer,
	})
	if err != nil {
		return nil, fmt.Errorf("registering bridge tools: %w", err)
	}
	return b, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Handoff returns the ownership controller.
func (b *Bridge) Handoff() *handoff.Controller {
	return b.handoff
}

// CallStarted describes an inbound call reported by the voice provider.
type CallStarted struct {
	VoiceConversationID string `json:"conversation_id"`
	CallID              string `json:"call_id"`
	From                string `json:"from_number"`
	To                  string `json:"to_number"`
}

// HandleCallStarted registers a new inbound voice conversation owned by the
// AI and announces it to dashboards. Repeated notifications for the same
// voice conversation return the existing conversation id.
func (b *Bridge) HandleCallStarted(ctx context.Context, call CallStarted) (string, error) {
	if call.VoiceConversationID == "" {
		return "", errors.New("call started without conversation id")
	}
	if e, ok := b.states.byVoiceID(call.VoiceConversationID); ok {
		return e.snapshot().ConversationID, nil
	}

	org, err := b.dir.OrganizationByPhone(ctx, call.To)
	if err != nil {
		return "", fmt.Errorf("resolving organization: %w", err)
	}
	lead, _, err := b.dir.FindOrCreateLead(ctx, org.ID, call.From)
	if err != nil {
		return "", fmt.Errorf("resolving lead: %w", err)
	}

	now := b.now().UTC()
	st := ConversationState{
		ConversationID:      uuid.New().String(),
		LeadID:              lead.ID,
		OrganizationID:      org.ID,
		Phone:               lead.Phone,
		Channel:             store.ChannelVoice,
		Direction:           store.DirectionInbound,
		VoiceConversationID: call.VoiceConversationID,
		CallID:              call.CallID,
		Status:              StatusActive,
		LastActivity:        now,
	}
	e := b.states.add(st)
	liveConversations.Inc()

	e.mu.Lock()
	defer e.mu.Unlock()

	b.saveConversation(ctx, st, now)

	if b.voice != nil {
		if err := b.voice.OpenSocket(ctx, call.VoiceConversationID); err != nil {
			b.logger.Warn("voice socket unavailable for inbound call",
				"conversation_id", st.ConversationID,
				"voice_conversation_id", call.VoiceConversationID,
				"error", err)
		}
	}

	b.logger.Info("inbound call started",
		"conversation_id", st.ConversationID,
		"organization_id", org.ID,
		"lead_id", lead.ID)

	b.emit(events.New(events.TypeCallInitiated, st.ConversationID, st.OrganizationID, events.CallPayload{
		CallID:              st.CallID,
		VoiceConversationID: st.VoiceConversationID,
		LeadID:              st.LeadID,
		Phone:               st.Phone,
		Direction:           st.Direction,
		Status:              st.Status,
	}))
	return st.ConversationID, nil
}

// HandleDashboardMessage forwards an agent's text to the customer. A live
// voice socket takes precedence; otherwise the text goes out by SMS. The
// conversation becomes human-owned if it was not already. Forwarding
// failures are broadcast as message_send_error rather than returned.
func (b *Bridge) HandleDashboardMessage(ctx context.Context, conversationID, text string, agent auth.Identity) error {
	e, ok := b.states.get(conversationID)
	if !ok || !b.lock(e) {
		return b.dashboardMessageWithoutState(ctx, conversationID, text, agent)
	}
	defer e.mu.Unlock()

	st := &e.state
	if st.OrganizationID != agent.OrganizationID {
		return ErrForbidden
	}

	if b.handoff.Owner(conversationID) != handoff.OwnerHuman {
		// The AI must be paused before the agent's text reaches the call
		t := b.target(*st)
		t.WaitVoice = true
		b.handoff.Take(ctx, t, agent, "agent_message")
		b.persistOwner(ctx, conversationID, handoff.OwnerHuman, agent.UserID)
	}

	st.LastAgentMessage = text
	st.LastActivity = b.now().UTC()

	channel := store.ChannelSMS
	var err error
	if b.voiceLive(*st) {
		channel = store.ChannelVoice
		err = b.voice.InjectText(ctx, st.VoiceConversationID, text)
	} else {
		_, err = b.sms.Send(ctx, st.Phone, text)
	}

	b.deliverAgentMessage(ctx, *st, channel, text, agent, err)
	return nil
}

// dashboardMessageWithoutState handles an agent message for a conversation
// the bridge is not tracking. It is sent by SMS to the lead on record.
func (b *Bridge) dashboardMessageWithoutState(ctx context.Context, conversationID, text string, agent auth.Identity) error {
	conv, err := b.dir.Conversation(ctx, conversationID)
	if err != nil {
		b.logger.Warn("dashboard message for unknown conversation",
			"conversation_id", conversationID,
			"agent", agent.UserID,
			"error", err)
		sendFailures.WithLabelValues(store.ChannelSMS).Inc()
		b.emit(events.New(events.TypeMessageSendError, conversationID, agent.OrganizationID, events.SendErrorPayload{
			Channel: store.ChannelSMS,
			Text:    text,
			Error:   "conversation not found",
		}))
		return nil
	}
	if conv.OrganizationID != agent.OrganizationID {
		return ErrForbidden
	}
	b.restoreOwner(conv.ID, conv.OrganizationID, conv.Owner, conv.AgentID)

	st := ConversationState{
		ConversationID: conv.ID,
		LeadID:         conv.LeadID,
		OrganizationID: conv.OrganizationID,
		Channel:        store.ChannelSMS,
		Status:         conv.Status,
	}
	lead, err := b.dir.Lead(ctx, conv.LeadID)
	if err == nil {
		st.Phone = lead.Phone
	}

	if b.handoff.Owner(conversationID) != handoff.OwnerHuman {
		b.handoff.Take(ctx, b.target(st), agent, "agent_message")
		b.persistOwner(ctx, conversationID, handoff.OwnerHuman, agent.UserID)
	}

	if st.Phone == "" {
		err = fmt.Errorf("no phone number for lead %s", conv.LeadID)
	} else {
		_, err = b.sms.Send(ctx, st.Phone, text)
	}
	b.deliverAgentMessage(ctx, st, store.ChannelSMS, text, agent, err)
	return nil
}

func (b *Bridge) deliverAgentMessage(ctx context.Context, st ConversationState, channel, text string, agent auth.Identity, sendErr error) {
	if sendErr != nil {
		sendFailures.WithLabelValues(channel).Inc()
		b.logger.Warn("agent message not delivered",
			"conversation_id", st.ConversationID,
			"channel", channel,
			"error", sendErr)
		b.emit(events.New(events.TypeMessageSendError, st.ConversationID, st.OrganizationID, events.SendErrorPayload{
			Channel: channel,
			Text:    text,
			Error:   sendErr.Error(),
		}))
		return
	}

	msgID := uuid.New().String()
	b.persistMessage(ctx, st, &store.Message{
		ID:        msgID,
		Direction: store.DirectionOutbound,
		Sender:    events.SenderAgent,
		Channel:   channel,
		Body:      text,
	})
	b.emit(events.New(events.TypeAgentMessageSent, st.ConversationID, st.OrganizationID, events.MessagePayload{
		MessageID: msgID,
		Text:      text,
		Sender:    events.SenderAgent,
		Channel:   channel,
		Status:    events.StatusSent,
		AgentID:   agent.UserID,
	}))
}

// Transcript is one utterance reported by the voice provider.
type Transcript struct {
	VoiceConversationID string  `json:"conversation_id"`
	Text                string  `json:"text"`
	Confidence          float64 `json:"confidence"`
	Speaker             string  `json:"speaker"`
}

// HandleVoiceTranscript relays an utterance to dashboards watching the
// conversation. It reports false when the voice conversation is unknown, in
// which case the transcript is dropped.
func (b *Bridge) HandleVoiceTranscript(ctx context.Context, tr Transcript) bool {
	e, ok := b.states.byVoiceID(tr.VoiceConversationID)
	if !ok || !b.lock(e) {
		droppedEvents.WithLabelValues("transcript").Inc()
		b.logger.Debug("dropping transcript for unknown voice conversation",
			"voice_conversation_id", tr.VoiceConversationID)
		return false
	}
	defer e.mu.Unlock()

	st := &e.state
	st.LastActivity = b.now().UTC()

	sender := speakerRole(tr.Speaker)
	direction := store.DirectionOutbound
	if sender == events.SenderCustomer {
		direction = store.DirectionInbound
	}

	msgID := uuid.New().String()
	b.persistMessage(ctx, *st, &store.Message{
		ID:        msgID,
		Direction: direction,
		Sender:    sender,
		Channel:   store.ChannelVoice,
		Body:      tr.Text,
	})
	b.emit(events.New(events.TypeMessageReceived, st.ConversationID, st.OrganizationID, events.MessagePayload{
		MessageID:  msgID,
		Text:       tr.Text,
		Sender:     sender,
		Channel:    store.ChannelVoice,
		Status:     events.StatusDelivered,
		Confidence: tr.Confidence,
	}))
	return true
}

func speakerRole(speaker string) string {
	switch strings.ToLower(speaker) {
	case "user", "customer", "caller":
		return events.SenderCustomer
	case "human", "human_agent":
		return events.SenderAgent
	default:
		return events.SenderAI
	}
}

// HandleToolCall runs a tool for the voice agent. It never blocks longer
// than the registry timeout and does not hold the conversation lock while
// the tool runs.
func (b *Bridge) HandleToolCall(ctx context.Context, voiceConversationID, toolName, params string) tools.Result {
	call := tools.Call{Params: params}
	if e, ok := b.states.byVoiceID(voiceConversationID); ok {
		st := e.snapshot()
		call.ConversationID = st.ConversationID
		call.OrganizationID = st.OrganizationID
		call.LeadID = st.LeadID
		call.Phone = st.Phone
	} else {
		b.logger.Debug("tool call for unknown voice conversation",
			"voice_conversation_id", voiceConversationID,
			"tool_name", toolName)
	}
	return b.tools.Call(ctx, toolName, call)
}

func (b *Bridge) requestHumanTransfer(_ context.Context, call tools.Call) (any, error) {
	if call.ConversationID == "" {
		return nil, errors.New("no active conversation to transfer")
	}
	reason := call.Param("reason").String()
	if reason == "" {
		reason = "caller_request"
	}
	notified := b.emit(events.New(events.TypeHumanTransferRequested, call.ConversationID, call.OrganizationID,
		events.TransferRequestPayload{
			Reason:  reason,
			Urgency: call.Param("urgency").String(),
			Phone:   call.Phone,
		}))
	b.logger.Info("human transfer requested",
		"conversation_id", call.ConversationID,
		"reason", reason,
		"notified", notified)
	return map[string]any{"status": "requested", "notifiedAgents": notified}, nil
}

// HandleCallEnded marks the conversation completed, closes its voice socket
// and schedules eviction after the retention window. It reports false for
// an unknown voice conversation.
func (b *Bridge) HandleCallEnded(ctx context.Context, voiceConversationID, reason, summary string) bool {
	e, ok := b.states.byVoiceID(voiceConversationID)
	if !ok || !b.lock(e) {
		droppedEvents.WithLabelValues("call_ended").Inc()
		b.logger.Debug("dropping call end for unknown voice conversation",
			"voice_conversation_id", voiceConversationID)
		return false
	}
	defer e.mu.Unlock()

	now := b.now().UTC()
	st := &e.state
	st.Status = StatusCompleted
	st.EndedAt = now
	st.LastActivity = now
	e.evictAt = now.Add(b.retention)

	if b.voice != nil {
		if err := b.voice.CloseSocket(voiceConversationID); err != nil {
			b.logger.Debug("closing voice socket", "voice_conversation_id", voiceConversationID, "error", err)
		}
	}

	b.persistConversation(ctx, st.ConversationID, func(c *store.Conversation) {
		c.Status = store.ConversationCompleted
		c.EndReason = reason
		c.Summary = summary
		c.EndedAt = &now
	})

	b.logger.Info("call ended",
		"conversation_id", st.ConversationID,
		"reason", reason,
		"evict_at", e.evictAt)

	b.emit(events.New(events.TypeCallEnded, st.ConversationID, st.OrganizationID, events.CallPayload{
		CallID:              st.CallID,
		VoiceConversationID: st.VoiceConversationID,
		LeadID:              st.LeadID,
		Phone:               st.Phone,
		Direction:           st.Direction,
		Status:              st.Status,
		Reason:              reason,
		Summary:             summary,
	}))
	return true
}

// OutboundRequest asks the AI to call a lead.
type OutboundRequest struct {
	Phone          string            `json:"phone"`
	LeadID         string            `json:"leadId"`
	OrganizationID string            `json:"organizationId"`
	DynamicContext map[string]string `json:"dynamicContext,omitempty"`
}

// OutboundResult identifies the placed call. SocketError is set when the
// call was placed but the control socket could not be opened.
type OutboundResult struct {
	ConversationID string `json:"conversationId"`
	CallID         string `json:"callId"`
	SocketError    string `json:"socketError,omitempty"`
}

// RequestOutboundCall places an AI call to a lead and tracks it as a new
// conversation.
func (b *Bridge) RequestOutboundCall(ctx context.Context, req OutboundRequest) (*OutboundResult, error) {
	if b.voice == nil {
		return nil, fmt.Errorf("%w: voice channel not configured", ErrCallFailed)
	}
	if req.Phone == "" || req.LeadID == "" || req.OrganizationID == "" {
		return nil, ErrInvalidRequest
	}

	now := b.now().UTC()
	st := ConversationState{
		ConversationID: uuid.New().String(),
		LeadID:         req.LeadID,
		OrganizationID: req.OrganizationID,
		Phone:          req.Phone,
		Channel:        store.ChannelVoice,
		Direction:      store.DirectionOutbound,
		Status:         StatusActive,
		LastActivity:   now,
	}
	e := b.states.add(st)
	liveConversations.Inc()

	e.mu.Lock()
	defer e.mu.Unlock()

	info, err := b.voice.PlaceOutboundCall(ctx, voice.OutboundCall{
		ToNumber:         req.Phone,
		DynamicVariables: req.DynamicContext,
	})
	if err != nil {
		b.states.remove(e)
		liveConversations.Dec()
		return nil, fmt.Errorf("%w: %w", ErrCallFailed, err)
	}

	e.state.VoiceConversationID = info.VoiceConversationID
	e.state.CallID = info.CallID
	b.states.linkVoice(info.VoiceConversationID, st.ConversationID)
	st = e.state

	result := &OutboundResult{ConversationID: st.ConversationID, CallID: info.CallID}
	if err := b.voice.OpenSocket(ctx, info.VoiceConversationID); err != nil {
		result.SocketError = err.Error()
		b.logger.Warn("outbound call placed without voice socket",
			"conversation_id", st.ConversationID,
			"voice_conversation_id", info.VoiceConversationID,
			"error", err)
	}

	b.saveConversation(ctx, st, now)

	b.logger.Info("outbound call placed",
		"conversation_id", st.ConversationID,
		"lead_id", st.LeadID,
		"call_id", info.CallID)

	b.emit(events.New(events.TypeCallInitiated, st.ConversationID, st.OrganizationID, events.CallPayload{
		CallID:              st.CallID,
		VoiceConversationID: st.VoiceConversationID,
		LeadID:              st.LeadID,
		Phone:               st.Phone,
		Direction:           st.Direction,
		Status:              st.Status,
	}))
	return result, nil
}

// InboundSMS is a customer text reported by the SMS provider.
type InboundSMS struct {
	MessageSID string
	From       string
	To         string
	Body       string
}

// HandleInboundSMS records a customer text against the lead's live
// conversation, starting an SMS conversation if there is none. A message id
// seen before is ignored and reported as a duplicate.
func (b *Bridge) HandleInboundSMS(ctx context.Context, msg InboundSMS) (conversationID string, duplicate bool, err error) {
	if msg.MessageSID != "" && !b.dir.Cache().Claim(ctx, cache.SMSKey(msg.MessageSID), smsClaimTTL) {
		b.logger.Debug("duplicate sms ignored", "message_sid", msg.MessageSID)
		return "", true, nil
	}

	org, err := b.dir.OrganizationByPhone(ctx, msg.To)
	if err != nil {
		return "", false, fmt.Errorf("resolving organization: %w", err)
	}
	lead, _, err := b.dir.FindOrCreateLead(ctx, org.ID, msg.From)
	if err != nil {
		return "", false, fmt.Errorf("resolving lead: %w", err)
	}

	e := b.conversationForLead(ctx, lead)
	if !b.lock(e) {
		// Evicted between lookup and lock; start over with a fresh entry.
		e = b.startSMSConversation(ctx, lead)
		e.mu.Lock()
	}
	defer e.mu.Unlock()

	st := &e.state
	st.LastActivity = b.now().UTC()

	msgID := uuid.New().String()
	b.persistMessage(ctx, *st, &store.Message{
		ID:        msgID,
		Direction: store.DirectionInbound,
		Sender:    events.SenderCustomer,
		Channel:   store.ChannelSMS,
		Body:      msg.Body,
	})
	b.emit(events.New(events.TypeSMSReceived, st.ConversationID, st.OrganizationID, events.MessagePayload{
		MessageID: msgID,
		Text:      msg.Body,
		Sender:    events.SenderCustomer,
		Channel:   store.ChannelSMS,
		Status:    events.StatusDelivered,
		From:      lead.Phone,
	}))
	return st.ConversationID, false, nil
}

// conversationForLead finds the lead's live conversation, rehydrates an
// active one from the store, or starts a new SMS conversation.
func (b *Bridge) conversationForLead(ctx context.Context, lead *store.Lead) *entry {
	if e, ok := b.states.byLeadID(lead.ID); ok && e.snapshot().Status == StatusActive {
		return e
	}

	if sess, err := b.dir.ActiveSession(ctx, lead.ID); err == nil {
		if e, ok := b.states.get(sess.ConversationID); ok {
			return e
		}
		e := b.states.add(ConversationState{
			ConversationID:      sess.ConversationID,
			LeadID:              lead.ID,
			OrganizationID:      lead.OrganizationID,
			Phone:               lead.Phone,
			Channel:             sess.Channel,
			Direction:           store.DirectionInbound,
			VoiceConversationID: sess.VoiceConversationID,
			Status:              StatusActive,
			LastActivity:        b.now().UTC(),
		})
		liveConversations.Inc()
		b.restoreOwner(sess.ConversationID, lead.OrganizationID, sess.Owner, sess.AgentID)
		return e
	}

	return b.startSMSConversation(ctx, lead)
}

func (b *Bridge) startSMSConversation(ctx context.Context, lead *store.Lead) *entry {
	now := b.now().UTC()
	st := ConversationState{
		ConversationID: uuid.New().String(),
		LeadID:         lead.ID,
		OrganizationID: lead.OrganizationID,
		Phone:          lead.Phone,
		Channel:        store.ChannelSMS,
		Direction:      store.DirectionInbound,
		Status:         StatusActive,
		LastActivity:   now,
	}
	e := b.states.add(st)
	liveConversations.Inc()
	b.saveConversation(ctx, st, now)
	return e
}

// SendChatMessage implements hub.Commands.
func (b *Bridge) SendChatMessage(ctx context.Context, agent auth.Identity, conversationID, message, _ string) error {
	return b.HandleDashboardMessage(ctx, conversationID, message, agent)
}

// TakeConversation implements hub.Commands.
func (b *Bridge) TakeConversation(ctx context.Context, agent auth.Identity, conversationID, reason string) error {
	return b.withTarget(ctx, agent, conversationID, func(t handoff.Target) {
		b.handoff.Take(ctx, t, agent, reason)
		b.persistOwner(ctx, conversationID, handoff.OwnerHuman, agent.UserID)
	})
}

// ReleaseConversation implements hub.Commands. Releasing an AI-owned
// conversation succeeds without effect.
func (b *Bridge) ReleaseConversation(ctx context.Context, agent auth.Identity, conversationID, summary string) error {
	return b.withTarget(ctx, agent, conversationID, func(t handoff.Target) {
		if b.handoff.Release(ctx, t, agent, summary) {
			b.persistOwner(ctx, conversationID, handoff.OwnerAI, "")
		}
	})
}

// withTarget resolves a conversation for a handoff command and runs fn with
// the conversation lock held when the conversation is live.
func (b *Bridge) withTarget(ctx context.Context, agent auth.Identity, conversationID string, fn func(handoff.Target)) error {
	if e, ok := b.states.get(conversationID); ok && b.lock(e) {
		defer e.mu.Unlock()
		if e.state.OrganizationID != agent.OrganizationID {
			return ErrForbidden
		}
		fn(b.target(e.state))
		return nil
	}

	conv, err := b.dir.Conversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownConversation
	}
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	if conv.OrganizationID != agent.OrganizationID {
		return ErrForbidden
	}
	b.restoreOwner(conv.ID, conv.OrganizationID, conv.Owner, conv.AgentID)
	fn(handoff.Target{
		ConversationID: conv.ID,
		LeadID:         conv.LeadID,
		OrganizationID: conv.OrganizationID,
	})
	return nil
}

// CanView implements hub.Commands. Agents may watch live or stored
// conversations of their own organization.
func (b *Bridge) CanView(ctx context.Context, agent auth.Identity, conversationID string) error {
	if e, ok := b.states.get(conversationID); ok {
		if e.snapshot().OrganizationID != agent.OrganizationID {
			return ErrForbidden
		}
		return nil
	}

	conv, err := b.dir.Conversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownConversation
	}
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	if conv.OrganizationID != agent.OrganizationID {
		return ErrForbidden
	}
	return nil
}

// State returns a snapshot of a live conversation.
func (b *Bridge) State(conversationID string) (View, bool) {
	e, ok := b.states.get(conversationID)
	if !ok {
		return View{}, false
	}
	v := View{ConversationState: e.snapshot(), Owner: b.handoff.Owner(conversationID)}
	if rec, ok := b.handoff.Record(conversationID); ok {
		v.Handoff = &rec
	}
	return v, true
}

// ConversationForVoice maps a voice conversation id to a conversation id.
func (b *Bridge) ConversationForVoice(voiceConversationID string) (string, bool) {
	e, ok := b.states.byVoiceID(voiceConversationID)
	if !ok {
		return "", false
	}
	return e.snapshot().ConversationID, true
}

// Len returns the number of live conversations.
func (b *Bridge) Len() int {
	return b.states.len()
}

// Sweep evicts conversations whose retention window has passed and those
// idle longer than the idle timeout. It returns the number evicted. The
// stored owner is left as it is and restored if the conversation is loaded
// again.
func (b *Bridge) Sweep(now time.Time) int {
	evicted := 0
	for _, e := range b.states.entries() {
		e.mu.Lock()
		expired := !e.evictAt.IsZero() && !now.Before(e.evictAt)
		idle := e.evictAt.IsZero() && now.Sub(e.state.LastActivity) > b.idleTimeout
		if !e.evicted && (expired || idle) {
			b.states.remove(e)
			b.handoff.Forget(e.state.ConversationID)
			liveConversations.Dec()
			evicted++
			b.logger.Debug("conversation evicted",
				"conversation_id", e.state.ConversationID,
				"idle", idle)
		}
		e.mu.Unlock()
	}
	return evicted
}

// Run sweeps on the configured interval until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := b.Sweep(b.now()); n > 0 {
				b.logger.Info("evicted finished conversations", "count", n, "remaining", b.states.len())
			}
		}
	}
}

// lock acquires e and reports whether it is still live.
func (b *Bridge) lock(e *entry) bool {
	e.mu.Lock()
	if e.evicted {
		e.mu.Unlock()
		return false
	}
	return true
}

func (e *entry) snapshot() ConversationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (b *Bridge) voiceLive(st ConversationState) bool {
	return b.voice != nil &&
		st.Status == StatusActive &&
		st.VoiceConversationID != "" &&
		b.voice.SocketOpen(st.VoiceConversationID)
}

func (b *Bridge) target(st ConversationState) handoff.Target {
	return handoff.Target{
		ConversationID:      st.ConversationID,
		LeadID:              st.LeadID,
		OrganizationID:      st.OrganizationID,
		VoiceConversationID: st.VoiceConversationID,
		VoiceActive:         b.voiceLive(st),
	}
}

func (b *Bridge) emit(ev events.Event) int {
	if b.emitter == nil {
		return 0
	}
	return b.emitter.Emit(ev)
}
