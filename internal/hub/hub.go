// ABOUTME: Connection hub: accepts dashboard websockets and fans events out to topics
// ABOUTME: Owns sessions, topic subscriptions, heartbeat eviction and client frame dispatch

package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/switchboard-gateway/internal/auth"
	"github.com/2389/switchboard-gateway/internal/events"
)

// DefaultHeartbeatInterval is the liveness tick used when none is configured
const DefaultHeartbeatInterval = 30 * time.Second

// maxFrameBytes bounds a single inbound client frame
const maxFrameBytes = 64 * 1024

// Agent statuses
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// OrganizationTopic is the topic carrying every conversation of an organization.
func OrganizationTopic(orgID string) string {
	return "organization:" + orgID
}

// ConversationTopic is the topic carrying one conversation.
func ConversationTopic(conversationID string) string {
	return "conversation:" + conversationID
}

// Commands executes client command frames. The conversation bridge implements it.
type Commands interface {
	SendChatMessage(ctx context.Context, agent auth.Identity, conversationID, message, messageType string) error
	TakeConversation(ctx context.Context, agent auth.Identity, conversationID, reason string) error
	ReleaseConversation(ctx context.Context, agent auth.Identity, conversationID, summary string) error
	// CanView returns nil when agent may watch the conversation.
	CanView(ctx context.Context, agent auth.Identity, conversationID string) error
}

// Config holds hub timing and limits
type Config struct {
	HeartbeatInterval  time.Duration
	WriteTimeout       time.Duration
	MaxFramesPerSecond float64
	FrameBurst         int
	AllowedOrigins     []string
}

// Hub tracks live sessions and their topic subscriptions.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	topics   map[string]map[string]*Session // topic -> connID -> session
	agents   map[string]string              // userID -> current connID

	verifier auth.TokenVerifier
	commands Commands
	upgrader websocket.Upgrader
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Hub. Pass nil logger for default.
func New(verifier auth.TokenVerifier, cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	h := &Hub{
		sessions: make(map[string]*Session),
		topics:   make(map[string]map[string]*Session),
		agents:   make(map[string]string),
		verifier: verifier,
		cfg:      cfg,
		logger:   logger.With("component", "hub"),
		now:      time.Now,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetCommands wires the command executor. Must be called before serving.
func (h *Hub) SetCommands(c Commands) {
	h.commands = c
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP authenticates the request and upgrades it to a websocket.
// Authentication failures are refused with 401 before any upgrade.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, errMsg := auth.TokenFromRequest(r)
	if errMsg != "" {
		http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
		return
	}
	identity, err := h.verifier.Verify(token)
	if err != nil {
		h.logger.Debug("rejected connection", "error", err, "remote", r.RemoteAddr)
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := h.Attach(*identity, conn)

	ctx, cancel := context.WithCancel(auth.WithIdentity(r.Context(), identity))
	defer cancel()

	h.readLoop(ctx, sess, conn)
}

func (h *Hub) readLoop(ctx context.Context, sess *Session, conn *websocket.Conn) {
	defer h.Detach(sess.ID)

	conn.SetReadLimit(maxFrameBytes)
	conn.SetPongHandler(func(string) error {
		sess.markAlive()
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("connection read error", "conn_id", sess.ID, "error", err)
			}
			return
		}
		h.HandleFrame(ctx, sess, data)
	}
}

// Attach registers a new session for an authenticated socket, subscribes it
// to its organization topic and sends the connection acknowledgment.
func (h *Hub) Attach(identity auth.Identity, socket Socket) *Session {
	sess := newSession(uuid.New().String(), identity, socket, h.cfg, h.now())
	orgTopic := OrganizationTopic(identity.OrganizationID)

	h.mu.Lock()
	h.sessions[sess.ID] = sess
	h.subscribeLocked(sess, orgTopic)
	h.agents[identity.UserID] = sess.ID
	total := len(h.sessions)
	h.mu.Unlock()

	activeConnections.Inc()
	h.logger.Info("=== DASHBOARD CONNECTED ===",
		"conn_id", sess.ID,
		"user_id", identity.UserID,
		"organization_id", identity.OrganizationID,
		"total_connections", total,
	)

	h.Send(sess.ID, connectionEstablished{
		Type:         "connection_established",
		ConnectionID: sess.ID,
		User:         identity,
	})
	return sess
}

// Detach closes a session and removes it from every topic. If it was the
// user's current agent connection, the organization is told the agent went
// offline. Safe to call more than once.
func (h *Hub) Detach(connID string) {
	h.mu.Lock()
	sess, ok := h.sessions[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, connID)
	for topic := range sess.topics {
		h.removeFromTopicLocked(sess, topic)
	}
	wasAgent := h.agents[sess.Identity.UserID] == connID
	if wasAgent {
		delete(h.agents, sess.Identity.UserID)
	}
	total := len(h.sessions)
	h.mu.Unlock()

	sess.close()
	activeConnections.Dec()
	h.logger.Info("=== DASHBOARD DISCONNECTED ===",
		"conn_id", connID,
		"user_id", sess.Identity.UserID,
		"total_connections", total,
	)

	if wasAgent {
		h.Broadcast(OrganizationTopic(sess.Identity.OrganizationID), events.New(
			events.TypeAgentStatusUpdated, "", sess.Identity.OrganizationID,
			events.AgentStatusPayload{
				UserID: sess.Identity.UserID,
				Email:  sess.Identity.Email,
				Status: StatusOffline,
			}))
	}
}

// Subscribe adds connID to topic. Returns false if the connection is unknown.
func (h *Hub) Subscribe(connID, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[connID]
	if !ok {
		return false
	}
	h.subscribeLocked(sess, topic)
	return true
}

// Unsubscribe removes connID from topic. Returns false if the connection is unknown.
func (h *Hub) Unsubscribe(connID, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[connID]
	if !ok {
		return false
	}
	h.removeFromTopicLocked(sess, topic)
	return true
}

func (h *Hub) subscribeLocked(sess *Session, topic string) {
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]*Session)
		h.topics[topic] = subs
	}
	subs[sess.ID] = sess
	sess.topics[topic] = struct{}{}
}

func (h *Hub) removeFromTopicLocked(sess *Session, topic string) {
	delete(sess.topics, topic)
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, sess.ID)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// Send writes msg as JSON to one connection. It never fails loudly: it
// returns false if the connection is gone or the write fails, and a failed
// write detaches the connection.
func (h *Hub) Send(connID string, msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode frame", "error", err)
		return false
	}

	h.mu.RLock()
	sess, ok := h.sessions[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.deliver(sess, data)
}

// Broadcast sends msg to every current subscriber of topic and returns the
// number of successful deliveries.
func (h *Hub) Broadcast(topic string, msg any) int {
	return h.BroadcastTopics(msg, topic)
}

// BroadcastTopics sends msg once to every session subscribed to any of
// topics. The subscriber sets are read at call time.
func (h *Hub) BroadcastTopics(msg any, topics ...string) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode broadcast", "topics", topics, "error", err)
		return 0
	}

	h.mu.RLock()
	seen := make(map[string]struct{})
	var targets []*Session
	for _, topic := range topics {
		for id, sess := range h.topics[topic] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, sess)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sess := range targets {
		if h.deliver(sess, data) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) deliver(sess *Session, data []byte) bool {
	if sess.write(data) {
		deliveries.WithLabelValues("delivered").Inc()
		return true
	}
	deliveries.WithLabelValues("failed").Inc()
	if !sess.closed.Load() {
		h.logger.Debug("write failed, detaching", "conn_id", sess.ID)
	}
	h.Detach(sess.ID)
	return false
}

// MarkAlive records a liveness acknowledgment for connID.
func (h *Hub) MarkAlive(connID string) {
	h.mu.RLock()
	sess, ok := h.sessions[connID]
	h.mu.RUnlock()
	if ok {
		sess.markAlive()
	}
}

// Sweep runs one heartbeat tick: sessions that missed the previous probe are
// evicted, the rest are marked pending and probed. Returns the number evicted.
func (h *Hub) Sweep() int {
	h.mu.RLock()
	snapshot := make([]*Session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		snapshot = append(snapshot, sess)
	}
	h.mu.RUnlock()

	evicted := 0
	for _, sess := range snapshot {
		if !sess.alive.Load() {
			h.logger.Info("evicting unresponsive connection", "conn_id", sess.ID, "user_id", sess.Identity.UserID)
			evictions.Inc()
			h.Detach(sess.ID)
			evicted++
			continue
		}
		sess.alive.Store(false)
		if !sess.probe() {
			h.Detach(sess.ID)
			evicted++
		}
	}
	return evicted
}

// Run ticks Sweep every heartbeat interval until ctx is cancelled, then
// closes every session.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Sweep()
		case <-ctx.Done():
			h.Close()
			return nil
		}
	}
}

// Close detaches every session.
func (h *Hub) Close() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.Detach(id)
	}
}

// ConnectionCount returns the number of attached sessions.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Subscribers returns the connection IDs subscribed to topic.
func (h *Hub) Subscribers(topic string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.topics[topic]))
	for id := range h.topics[topic] {
		ids = append(ids, id)
	}
	return ids
}

// TopicCount returns the number of topics with at least one subscriber.
func (h *Hub) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// HandleFrame processes one inbound client frame for sess. Errors are
// answered on sess only.
func (h *Hub) HandleFrame(ctx context.Context, sess *Session, data []byte) {
	// Any frame proves the client is alive
	sess.markAlive()

	if !sess.allow() {
		h.reject(sess, CodeRateLimited, "too many messages")
		return
	}

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		h.reject(sess, CodeInvalidMessage, "frame must be a JSON object with a type")
		return
	}

	switch frame.Type {
	case FramePing:
		h.Send(sess.ID, pongFrame{Type: "pong", Timestamp: h.now().UTC()})

	case FrameSubscribeDashboard:
		h.Subscribe(sess.ID, OrganizationTopic(sess.Identity.OrganizationID))
		h.Send(sess.ID, subscriptionFrame{Type: "subscription_confirmed", Subscription: "dashboard"})

	case FrameSubscribeConversation, FrameUnsubscribeConversation:
		var d conversationData
		if !h.decode(sess, frame, &d) {
			return
		}
		if d.ConversationID == "" {
			h.reject(sess, CodeMissingField, "conversationId is required")
			return
		}
		topic := ConversationTopic(d.ConversationID)
		reply := "subscription_confirmed"
		if frame.Type == FrameSubscribeConversation {
			if !h.authorizeView(ctx, sess, d.ConversationID) {
				return
			}
			h.Subscribe(sess.ID, topic)
		} else {
			h.Unsubscribe(sess.ID, topic)
			reply = "unsubscription_confirmed"
		}
		h.Send(sess.ID, subscriptionFrame{Type: reply, Subscription: "conversation", ConversationID: d.ConversationID})

	case FrameSendChatMessage:
		var d chatMessageData
		if !h.decode(sess, frame, &d) {
			return
		}
		if d.ConversationID == "" || d.Message == "" {
			h.reject(sess, CodeMissingField, "conversationId and message are required")
			return
		}
		h.runCommand(sess, frame.Type, func(c Commands) error {
			return c.SendChatMessage(ctx, sess.Identity, d.ConversationID, d.Message, d.MessageType)
		})

	case FrameTakeConversation:
		var d takeData
		if !h.decode(sess, frame, &d) {
			return
		}
		if d.ConversationID == "" {
			h.reject(sess, CodeMissingField, "conversationId is required")
			return
		}
		h.runCommand(sess, frame.Type, func(c Commands) error {
			return c.TakeConversation(ctx, sess.Identity, d.ConversationID, d.Reason)
		})

	case FrameReleaseConversation:
		var d releaseData
		if !h.decode(sess, frame, &d) {
			return
		}
		if d.ConversationID == "" {
			h.reject(sess, CodeMissingField, "conversationId is required")
			return
		}
		h.runCommand(sess, frame.Type, func(c Commands) error {
			return c.ReleaseConversation(ctx, sess.Identity, d.ConversationID, d.Summary)
		})

	case FrameAgentStatusUpdate:
		var d agentStatusData
		if !h.decode(sess, frame, &d) {
			return
		}
		if d.Status == "" {
			h.reject(sess, CodeMissingField, "status is required")
			return
		}
		h.updateAgentStatus(sess, d)

	default:
		h.reject(sess, CodeUnknownType, "unknown message type: "+frame.Type)
	}
}

func (h *Hub) decode(sess *Session, frame inboundFrame, dst any) bool {
	if len(frame.Data) == 0 {
		h.reject(sess, CodeMissingField, "data is required")
		return false
	}
	if err := json.Unmarshal(frame.Data, dst); err != nil {
		h.reject(sess, CodeInvalidMessage, "malformed data for "+frame.Type)
		return false
	}
	return true
}

func (h *Hub) runCommand(sess *Session, frameType string, run func(Commands) error) {
	if h.commands == nil {
		h.reject(sess, CodeUnavailable, "commands are not available")
		return
	}
	if err := run(h.commands); err != nil {
		h.logger.Warn("command failed", "type", frameType, "conn_id", sess.ID, "error", err)
		h.reject(sess, CodeCommandFailed, err.Error())
	}
}

// authorizeView answers sess with an error frame unless it may watch the
// conversation. Unknown and foreign conversations are refused alike.
func (h *Hub) authorizeView(ctx context.Context, sess *Session, conversationID string) bool {
	if h.commands == nil {
		h.reject(sess, CodeUnavailable, "commands are not available")
		return false
	}
	if err := h.commands.CanView(ctx, sess.Identity, conversationID); err != nil {
		h.logger.Warn("subscription refused",
			"conn_id", sess.ID,
			"user_id", sess.Identity.UserID,
			"conversation_id", conversationID,
			"error", err)
		h.reject(sess, CodeForbidden, "not allowed to view conversation "+conversationID)
		return false
	}
	return true
}

func (h *Hub) updateAgentStatus(sess *Session, d agentStatusData) {
	h.mu.Lock()
	if d.Status == StatusOffline {
		if h.agents[sess.Identity.UserID] == sess.ID {
			delete(h.agents, sess.Identity.UserID)
		}
	} else {
		h.agents[sess.Identity.UserID] = sess.ID
	}
	h.mu.Unlock()

	h.Broadcast(OrganizationTopic(sess.Identity.OrganizationID), events.New(
		events.TypeAgentStatusUpdated, d.CurrentConversation, sess.Identity.OrganizationID,
		events.AgentStatusPayload{
			UserID:              sess.Identity.UserID,
			Email:               sess.Identity.Email,
			Status:              d.Status,
			CurrentConversation: d.CurrentConversation,
		}))
}

func (h *Hub) reject(sess *Session, code, message string) {
	rejectedFrames.WithLabelValues(code).Inc()
	h.Send(sess.ID, newErrorFrame(code, message))
}
