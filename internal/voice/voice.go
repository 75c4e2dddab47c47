// ABOUTME: Voice provider client: HTTP outbound calls and per-conversation control sockets
// ABOUTME: Sockets carry injected text and AI pause/resume frames

package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/switchboard-gateway/internal/auth"
)

// ErrNoSocket is returned when no control socket is open for a conversation.
var ErrNoSocket = errors.New("no voice socket for conversation")

// ErrProvider wraps non-2xx responses from the provider API.
var ErrProvider = errors.New("voice provider error")

// Channel is the voice side of a conversation.
type Channel interface {
	PlaceOutboundCall(ctx context.Context, req OutboundCall) (*CallInfo, error)
	OpenSocket(ctx context.Context, voiceConversationID string) error
	CloseSocket(voiceConversationID string) error
	SocketOpen(voiceConversationID string) bool
	InjectText(ctx context.Context, voiceConversationID, text string) error
	TransferToHuman(ctx context.Context, voiceConversationID string, agent auth.Identity, reason string) error
	ResumeAI(ctx context.Context, voiceConversationID, summary string) error
}

// OutboundCall asks the provider to dial a customer.
type OutboundCall struct {
	ToNumber         string            `json:"to_number"`
	FromNumber       string            `json:"from_number"`
	AgentID          string            `json:"agent_id"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

// CallInfo identifies a placed call.
type CallInfo struct {
	CallID              string `json:"call_id"`
	VoiceConversationID string `json:"conversation_id"`
}

// Control frame types written to the socket
const (
	FrameUserMessage     = "user_message"
	FrameTransferToHuman = "transfer_to_human"
	FrameResumeAI        = "resume_ai"
)

type controlFrame struct {
	Type    string      `json:"type"`
	Text    string      `json:"text,omitempty"`
	Reason  string      `json:"reason,omitempty"`
	Context string      `json:"context,omitempty"`
	Agent   *agentFrame `json:"agent,omitempty"`
}

type agentFrame struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Config configures a Client.
type Config struct {
	APIURL       string
	SocketURL    string
	APIKey       string
	AgentID      string
	FromNumber   string
	WriteTimeout time.Duration
	HTTPClient   *http.Client
	Dialer       *websocket.Dialer
	Logger       *slog.Logger

	// OnFrame, if set, receives every frame the provider sends on a socket.
	OnFrame func(voiceConversationID string, data []byte)
}

type socket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Client implements Channel against the provider's HTTP and websocket APIs.
type Client struct {
	cfg    Config
	http   *http.Client
	dialer *websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	sockets map[string]*socket
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		dialer:  dialer,
		logger:  logger.With("component", "voice"),
		sockets: make(map[string]*socket),
	}
}

// PlaceOutboundCall dials req.ToNumber. Empty agent and caller id fall back
// to the configured ones.
func (c *Client) PlaceOutboundCall(ctx context.Context, req OutboundCall) (*CallInfo, error) {
	if req.AgentID == "" {
		req.AgentID = c.cfg.AgentID
	}
	if req.FromNumber == "" {
		req.FromNumber = c.cfg.FromNumber
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding outbound call: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.APIURL, "/") + "/v1/calls/outbound"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("placing outbound call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrProvider, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var info CallInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decoding provider response: %w", err)
	}
	if info.VoiceConversationID == "" {
		return nil, fmt.Errorf("%w: response missing conversation_id", ErrProvider)
	}

	c.logger.Info("outbound call placed",
		"call_id", info.CallID,
		"voice_conversation_id", info.VoiceConversationID)
	return &info, nil
}

// OpenSocket dials the control socket for a conversation. Opening an
// already open socket is a no-op.
func (c *Client) OpenSocket(ctx context.Context, voiceConversationID string) error {
	if c.SocketOpen(voiceConversationID) {
		return nil
	}

	u, err := url.Parse(c.cfg.SocketURL)
	if err != nil {
		return fmt.Errorf("parsing socket url: %w", err)
	}
	q := u.Query()
	q.Set("conversation_id", voiceConversationID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dialing voice socket: %w", err)
	}

	s := &socket{conn: conn}
	c.mu.Lock()
	if _, ok := c.sockets[voiceConversationID]; ok {
		// Lost a race with a concurrent OpenSocket
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.sockets[voiceConversationID] = s
	c.mu.Unlock()

	go c.readLoop(voiceConversationID, s)

	c.logger.Info("voice socket opened", "voice_conversation_id", voiceConversationID)
	return nil
}

// readLoop drains provider frames until the socket closes.
func (c *Client) readLoop(voiceConversationID string, s *socket) {
	defer c.drop(voiceConversationID, s)
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("voice socket read ended",
					"voice_conversation_id", voiceConversationID,
					"error", err)
			}
			return
		}
		if msgType == websocket.TextMessage && c.cfg.OnFrame != nil {
			c.cfg.OnFrame(voiceConversationID, data)
		}
	}
}

func (c *Client) drop(voiceConversationID string, s *socket) {
	c.mu.Lock()
	if c.sockets[voiceConversationID] == s {
		delete(c.sockets, voiceConversationID)
	}
	c.mu.Unlock()
	s.conn.Close()
}

// CloseSocket closes the control socket for a conversation, if open.
func (c *Client) CloseSocket(voiceConversationID string) error {
	c.mu.Lock()
	s, ok := c.sockets[voiceConversationID]
	delete(c.sockets, voiceConversationID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "conversation ended"), deadline)
	s.mu.Unlock()
	return s.conn.Close()
}

// SocketOpen reports whether a control socket is open for a conversation.
func (c *Client) SocketOpen(voiceConversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sockets[voiceConversationID]
	return ok
}

// InjectText speaks text into the live call.
func (c *Client) InjectText(ctx context.Context, voiceConversationID, text string) error {
	return c.write(ctx, voiceConversationID, controlFrame{Type: FrameUserMessage, Text: text})
}

// TransferToHuman pauses autonomous AI responses.
func (c *Client) TransferToHuman(ctx context.Context, voiceConversationID string, agent auth.Identity, reason string) error {
	return c.write(ctx, voiceConversationID, controlFrame{
		Type:   FrameTransferToHuman,
		Reason: reason,
		Agent:  &agentFrame{ID: agent.UserID, Email: agent.Email},
	})
}

// ResumeAI hands the call back to the AI with summary as context.
func (c *Client) ResumeAI(ctx context.Context, voiceConversationID, summary string) error {
	return c.write(ctx, voiceConversationID, controlFrame{Type: FrameResumeAI, Context: summary})
}

// Close closes every open socket.
func (c *Client) Close() error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sockets))
	for id := range c.sockets {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		_ = c.CloseSocket(id)
	}
	return nil
}

func (c *Client) write(ctx context.Context, voiceConversationID string, frame controlFrame) error {
	c.mu.Lock()
	s, ok := c.sockets[voiceConversationID]
	c.mu.Unlock()
	if !ok {
		return ErrNoSocket
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", frame.Type, err)
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		go c.drop(voiceConversationID, s)
		return fmt.Errorf("writing %s frame: %w", frame.Type, err)
	}
	return nil
}
