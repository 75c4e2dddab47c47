// ABOUTME: Tests for the conversation bridge wired to a real hub and SQLite directory
// ABOUTME: Voice and SMS providers are fakes; dashboards are fake sockets on the hub

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard-gateway/internal/auth"
	"github.com/2389/switchboard-gateway/internal/cache"
	"github.com/2389/switchboard-gateway/internal/directory"
	"github.com/2389/switchboard-gateway/internal/events"
	"github.com/2389/switchboard-gateway/internal/handoff"
	"github.com/2389/switchboard-gateway/internal/hub"
	"github.com/2389/switchboard-gateway/internal/store"
	"github.com/2389/switchboard-gateway/internal/tools"
	"github.com/2389/switchboard-gateway/internal/voice"
)

const (
	orgPhone      = "+14165550000"
	customerPhone = "+14165551234"
)

var (
	alice   = auth.Identity{UserID: "alice", Email: "alice@example.com", Role: auth.RoleAgent, OrganizationID: "ORG1"}
	bob     = auth.Identity{UserID: "bob", Email: "bob@example.com", Role: auth.RoleAgent, OrganizationID: "ORG1"}
	mallory = auth.Identity{UserID: "mallory", Email: "m@other.com", Role: auth.RoleAgent, OrganizationID: "ORG2"}
)

// fakeVoice implements voice.Channel in memory.
type fakeVoice struct {
	mu        sync.Mutex
	open      map[string]bool
	injected  []string
	transfers []string
	resumes   []string
	order     []string // control and text frames in the order they were sent
	placed    []voice.OutboundCall

	placeErr  error
	openErr   error
	injectErr error
}

func newFakeVoice() *fakeVoice {
	return &fakeVoice{open: make(map[string]bool)}
}

func (f *fakeVoice) PlaceOutboundCall(_ context.Context, req voice.OutboundCall) (*voice.CallInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	return &voice.CallInfo{CallID: "call-out-1", VoiceConversationID: "vc-out-1"}, nil
}

func (f *fakeVoice) OpenSocket(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.open[id] = true
	return nil
}

func (f *fakeVoice) CloseSocket(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.open, id)
	return nil
}

func (f *fakeVoice) SocketOpen(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[id]
}

func (f *fakeVoice) InjectText(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open[id] {
		return voice.ErrNoSocket
	}
	if f.injectErr != nil {
		return f.injectErr
	}
	f.injected = append(f.injected, text)
	f.order = append(f.order, "user_message")
	return nil
}

func (f *fakeVoice) TransferToHuman(_ context.Context, id string, agent auth.Identity, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, id+":"+agent.UserID+":"+reason)
	f.order = append(f.order, "transfer_to_human")
	return nil
}

func (f *fakeVoice) ResumeAI(_ context.Context, id, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes = append(f.resumes, id+":"+summary)
	return nil
}

func (f *fakeVoice) frameOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *fakeVoice) snapshot() (injected, transfers, resumes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.injected...),
		append([]string(nil), f.transfers...),
		append([]string(nil), f.resumes...)
}

type sentSMS struct{ to, body string }

type fakeSMS struct {
	mu   sync.Mutex
	sent []sentSMS
	err  error
}

func (f *fakeSMS) Send(_ context.Context, to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentSMS{to, body})
	return "SM-out", nil
}

func (f *fakeSMS) messages() []sentSMS {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentSMS(nil), f.sent...)
}

// dashboardSocket records frames written by the hub.
type dashboardSocket struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (d *dashboardSocket) WriteMessage(_ int, data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	d.mu.Lock()
	d.frames = append(d.frames, m)
	d.mu.Unlock()
	return nil
}

func (d *dashboardSocket) WriteControl(int, []byte, time.Time) error { return nil }

func (d *dashboardSocket) SetWriteDeadline(time.Time) error { return nil }

func (d *dashboardSocket) Close() error { return nil }

func (d *dashboardSocket) ofType(typ string) []map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []map[string]any
	for _, f := range d.frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

type harness struct {
	bridge *Bridge
	hub    *hub.Hub
	dir    *directory.Directory
	store  *store.SQLiteStore
	voice  *fakeVoice
	sms    *fakeSMS
	tools  *tools.Registry
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, toolTimeout time.Duration) *harness {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.CreateOrganization(context.Background(), &store.Organization{
		ID: "ORG1", Name: "Glow Med Spa", Phone: orgPhone, CreatedAt: time.Now().UTC(),
	}))

	mem := cache.NewMemoryBackend(1000, 0)
	t.Cleanup(func() { mem.Close() })
	c := cache.New(mem, quietLogger())
	dir := directory.New(st, c, cache.DefaultTTLPolicy(), quietLogger())

	h := hub.New(nil, hub.Config{}, quietLogger())
	emitter := NewEmitter(h, nil)
	fv := newFakeVoice()
	fs := &fakeSMS{}
	registry := tools.NewRegistry(toolTimeout, quietLogger())
	require.NoError(t, registry.Register(tools.Builtins(dir)...))

	ctrl := handoff.New(handoff.Options{Cache: c, Voice: fv, Emitter: emitter, Logger: quietLogger()})
	b, err := New(Options{
		Directory: dir,
		Handoff:   ctrl,
		Emitter:   emitter,
		Voice:     fv,
		SMS:       fs,
		Tools:     registry,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	h.SetCommands(b)

	return &harness{bridge: b, hub: h, dir: dir, store: st, voice: fv, sms: fs, tools: registry}
}

func (h *harness) dashboard(identity auth.Identity, conversationIDs ...string) *dashboardSocket {
	sock := &dashboardSocket{}
	sess := h.hub.Attach(identity, sock)
	for _, id := range conversationIDs {
		h.hub.Subscribe(sess.ID, hub.ConversationTopic(id))
	}
	return sock
}

func (h *harness) startCall(t *testing.T) string {
	t.Helper()
	id, err := h.bridge.HandleCallStarted(context.Background(), CallStarted{
		VoiceConversationID: "vc-1",
		CallID:              "call-1",
		From:                customerPhone,
		To:                  orgPhone,
	})
	require.NoError(t, err)
	return id
}

func TestInboundCallStartsAIOwnedConversation(t *testing.T) {
	h := newHarness(t, time.Second)
	dash := h.dashboard(alice)
	other := &dashboardSocket{}
	h.hub.Attach(mallory, other)

	convID := h.startCall(t)

	view, ok := h.bridge.State(convID)
	require.True(t, ok)
	assert.Equal(t, handoff.OwnerAI, view.Owner)
	assert.Equal(t, StatusActive, view.Status)
	assert.Equal(t, customerPhone, view.Phone)
	assert.True(t, h.voice.SocketOpen("vc-1"))

	initiated := dash.ofType(events.TypeCallInitiated)
	require.Len(t, initiated, 1)
	assert.Equal(t, convID, initiated[0]["conversationId"])
	assert.Empty(t, other.ofType(events.TypeCallInitiated))

	conv, err := h.store.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelVoice, conv.Channel)
	assert.Equal(t, "ai", conv.Owner)

	// Provider retries the webhook
	again := h.startCall(t)
	assert.Equal(t, convID, again)
	assert.Equal(t, 1, h.bridge.Len())
}

func TestInboundCallUnknownNumber(t *testing.T) {
	h := newHarness(t, time.Second)
	_, err := h.bridge.HandleCallStarted(context.Background(), CallStarted{
		VoiceConversationID: "vc-x", From: customerPhone, To: "+19995550000",
	})
	assert.ErrorIs(t, err, directory.ErrUnknownNumber)
	assert.Equal(t, 0, h.bridge.Len())
}

func TestTakeTransfersVoiceThenFallsBackToSMS(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	convID := h.startCall(t)
	dash := h.dashboard(alice, convID)

	require.NoError(t, h.bridge.TakeConversation(ctx, alice, convID, "customer_request"))
	h.bridge.Handoff().Wait()

	_, transfers, _ := h.voice.snapshot()
	assert.Equal(t, []string{"vc-1:alice:customer_request"}, transfers)
	assert.Len(t, dash.ofType(events.TypeConversationTakenOver), 1)

	// Live socket: text goes into the call
	require.NoError(t, h.bridge.HandleDashboardMessage(ctx, convID, "Hi, Alice here", alice))
	injected, _, _ := h.voice.snapshot()
	assert.Equal(t, []string{"Hi, Alice here"}, injected)
	assert.Empty(t, h.sms.messages())

	// Socket gone: text goes by SMS
	require.NoError(t, h.voice.CloseSocket("vc-1"))
	require.NoError(t, h.bridge.HandleDashboardMessage(ctx, convID, "I'll text you the details", alice))
	assert.Equal(t, []sentSMS{{customerPhone, "I'll text you the details"}}, h.sms.messages())

	sent := dash.ofType(events.TypeAgentMessageSent)
	require.Len(t, sent, 2)
	assert.Equal(t, "voice", sent[0]["data"].(map[string]any)["channel"])
	assert.Equal(t, "sms", sent[1]["data"].(map[string]any)["channel"])

	// Taking over did not double-take on subsequent messages
	assert.Len(t, dash.ofType(events.TypeConversationTakenOver), 1)

	conv, err := h.store.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, "human", conv.Owner)
	assert.Equal(t, "alice", conv.AgentID)
}

func TestDashboardMessageMarksHumanOwned(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	convID := h.startCall(t)
	dash := h.dashboard(alice, convID)

	require.NoError(t, h.bridge.HandleDashboardMessage(ctx, convID, "Jumping in", alice))
	h.bridge.Handoff().Wait()

	view, _ := h.bridge.State(convID)
	assert.Equal(t, handoff.OwnerHuman, view.Owner)
	require.NotNil(t, view.Handoff)
	assert.Equal(t, "agent_message", view.Handoff.Reason)
	assert.Equal(t, "Jumping in", view.LastAgentMessage)
	assert.Len(t, dash.ofType(events.TypeConversationTakenOver), 1)
}

func TestDashboardMessageTransfersBeforeInjecting(t *testing.T) {
	h := newHarness(t, time.Second)
	convID := h.startCall(t)

	require.NoError(t, h.bridge.HandleDashboardMessage(context.Background(), convID, "Alice here, I can help", alice))

	// Checked without waiting on detached notifications
	assert.Equal(t, []string{"transfer_to_human", "user_message"}, h.voice.frameOrder())
}

func TestReleaseOnAIOwnedIsNoOp(t *testing.T) {
	h := newHarness(t, time.Second)
	convID := h.startCall(t)
	dash := h.dashboard(alice, convID)

	require.NoError(t, h.bridge.ReleaseConversation(context.Background(), alice, convID, "nothing to do"))
	h.bridge.Handoff().Wait()

	view, _ := h.bridge.State(convID)
	assert.Equal(t, handoff.OwnerAI, view.Owner)
	assert.Empty(t, dash.ofType(events.TypeConversationReleased))
	_, _, resumes := h.voice.snapshot()
	assert.Empty(t, resumes)
}

func TestTakeTwiceThenRelease(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	convID := h.startCall(t)
	dash := h.dashboard(alice, convID)

	require.NoError(t, h.bridge.TakeConversation(ctx, alice, convID, "customer_request"))
	require.NoError(t, h.bridge.TakeConversation(ctx, bob, convID, "shift_change"))
	view, _ := h.bridge.State(convID)
	assert.Equal(t, "bob", view.Handoff.Agent.UserID)
	assert.Len(t, dash.ofType(events.TypeConversationTakenOver), 2)

	require.NoError(t, h.bridge.ReleaseConversation(ctx, bob, convID, "quoted pricing"))
	h.bridge.Handoff().Wait()
	_, _, resumes := h.voice.snapshot()
	assert.Equal(t, []string{"vc-1:quoted pricing"}, resumes)
	assert.Len(t, dash.ofType(events.TypeConversationReleased), 1)

	conv, err := h.store.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, "ai", conv.Owner)
}

func TestCommandsRejectOtherOrganizations(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	convID := h.startCall(t)

	assert.ErrorIs(t, h.bridge.TakeConversation(ctx, mallory, convID, "x"), ErrForbidden)
	assert.ErrorIs(t, h.bridge.HandleDashboardMessage(ctx, convID, "hi", mallory), ErrForbidden)
	assert.ErrorIs(t, h.bridge.TakeConversation(ctx, alice, "ghost", "x"), ErrUnknownConversation)
}

func TestCanView(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	convID := h.startCall(t)

	assert.NoError(t, h.bridge.CanView(ctx, alice, convID))
	assert.ErrorIs(t, h.bridge.CanView(ctx, mallory, convID), ErrForbidden)
	assert.ErrorIs(t, h.bridge.CanView(ctx, alice, "ghost"), ErrUnknownConversation)

	// Still checked once the conversation is only in the store
	require.True(t, h.bridge.HandleCallEnded(ctx, "vc-1", "customer_hangup", ""))
	require.Equal(t, 1, h.bridge.Sweep(time.Now().Add(DefaultRetention+time.Second)))
	assert.NoError(t, h.bridge.CanView(ctx, alice, convID))
	assert.ErrorIs(t, h.bridge.CanView(ctx, mallory, convID), ErrForbidden)
}

func TestSubscribeFrameRejectsOtherOrganization(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	convID := h.startCall(t)

	outsider := &dashboardSocket{}
	outsiderSess := h.hub.Attach(mallory, outsider)
	h.hub.HandleFrame(ctx, outsiderSess, []byte(`{"type":"subscribe_conversation","data":{"conversationId":"`+convID+`"}}`))

	errs := outsider.ofType("error")
	require.Len(t, errs, 1)
	assert.Equal(t, hub.CodeForbidden, errs[0]["error"].(map[string]any)["code"])
	assert.Empty(t, outsider.ofType("subscription_confirmed"))

	insider := &dashboardSocket{}
	insiderSess := h.hub.Attach(alice, insider)
	h.hub.HandleFrame(ctx, insiderSess, []byte(`{"type":"subscribe_conversation","data":{"conversationId":"`+convID+`"}}`))
	require.Len(t, insider.ofType("subscription_confirmed"), 1)

	require.True(t, h.bridge.HandleVoiceTranscript(ctx, Transcript{VoiceConversationID: "vc-1", Text: "my card number is", Speaker: "user"}))
	assert.Len(t, insider.ofType(events.TypeMessageReceived), 1)
	assert.Empty(t, outsider.ofType(events.TypeMessageReceived))
}

func TestDashboardMessageUnknownConversation(t *testing.T) {
	h := newHarness(t, time.Second)
	dash := h.dashboard(alice, "ghost")

	err := h.bridge.HandleDashboardMessage(context.Background(), "ghost", "hello?", alice)
	require.NoError(t, err)

	errs := dash.ofType(events.TypeMessageSendError)
	require.Len(t, errs, 1)
	assert.Equal(t, "ghost", errs[0]["conversationId"])
	assert.Empty(t, h.sms.messages())
}

func TestDashboardMessageWithoutLiveStateUsesSMS(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	lead, _, err := h.dir.FindOrCreateLead(ctx, "ORG1", customerPhone)
	require.NoError(t, err)
	require.NoError(t, h.dir.SaveConversation(ctx, &store.Conversation{
		ID: "conv-old", LeadID: lead.ID, OrganizationID: "ORG1",
		Channel: store.ChannelSMS, Status: store.ConversationActive,
	}))
	dash := h.dashboard(alice, "conv-old")

	require.NoError(t, h.bridge.HandleDashboardMessage(ctx, "conv-old", "Following up on your visit", alice))

	assert.Equal(t, []sentSMS{{customerPhone, "Following up on your visit"}}, h.sms.messages())
	assert.Len(t, dash.ofType(events.TypeAgentMessageSent), 1)
	assert.Equal(t, handoff.OwnerHuman, h.bridge.Handoff().Owner("conv-old"))
}

func TestSendFailureBroadcastsError(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	convID := h.startCall(t)
	dash := h.dashboard(alice, convID)

	require.NoError(t, h.voice.CloseSocket("vc-1"))
	h.sms.err = errors.New("carrier rejected")

	require.NoError(t, h.bridge.HandleDashboardMessage(ctx, convID, "Are you there?", alice))

	errs := dash.ofType(events.TypeMessageSendError)
	require.Len(t, errs, 1)
	data := errs[0]["data"].(map[string]any)
	assert.Equal(t, "sms", data["channel"])
	assert.Equal(t, "carrier rejected", data["error"])
	assert.Empty(t, dash.ofType(events.TypeAgentMessageSent))

	view, _ := h.bridge.State(convID)
	assert.Equal(t, "Are you there?", view.LastAgentMessage)
}

func TestVoiceTranscript(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	convID := h.startCall(t)
	dash := h.dashboard(alice, convID)

	ok := h.bridge.HandleVoiceTranscript(ctx, Transcript{
		VoiceConversationID: "vc-1", Text: "How much is botox?", Confidence: 0.93, Speaker: "user",
	})
	require.True(t, ok)

	msgs := dash.ofType(events.TypeMessageReceived)
	require.Len(t, msgs, 1)
	data := msgs[0]["data"].(map[string]any)
	assert.Equal(t, "How much is botox?", data["text"])
	assert.Equal(t, events.SenderCustomer, data["sender"])
	assert.Equal(t, events.StatusDelivered, data["status"])
	assert.NotEmpty(t, data["messageId"])

	view, _ := h.bridge.State(convID)
	stored, err := h.store.ListLeadMessages(ctx, view.LeadID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, data["messageId"], stored[0].ID)
}

func TestVoiceTranscriptOrphanDropped(t *testing.T) {
	h := newHarness(t, time.Second)
	assert.False(t, h.bridge.HandleVoiceTranscript(context.Background(), Transcript{
		VoiceConversationID: "vc-unknown", Text: "hello",
	}))
	assert.False(t, h.bridge.HandleCallEnded(context.Background(), "vc-unknown", "hangup", ""))
}

func TestToolCallUnknownTool(t *testing.T) {
	h := newHarness(t, time.Second)
	h.startCall(t)

	res := h.bridge.HandleToolCall(context.Background(), "vc-1", "check_inventory_v2", `{"query":"botox"}`)
	assert.Equal(t, "Unknown tool: check_inventory_v2", res.Error)
}

func TestToolCallTimeoutKeepsBridgeResponsive(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, h.tools.Register(tools.Tool{
		Name: "slow_lookup",
		Handler: func(context.Context, tools.Call) (any, error) {
			<-release
			return nil, nil
		},
	}))
	h.startCall(t)

	done := make(chan tools.Result, 1)
	start := time.Now()
	go func() {
		done <- h.bridge.HandleToolCall(context.Background(), "vc-1", "slow_lookup", `{}`)
	}()

	// Same conversation keeps flowing while the tool hangs
	assert.True(t, h.bridge.HandleVoiceTranscript(context.Background(), Transcript{
		VoiceConversationID: "vc-1", Text: "still there?", Speaker: "user",
	}))

	select {
	case res := <-done:
		assert.False(t, res.OK())
		assert.Contains(t, res.Error, "timed out")
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("tool call was not bounded by the timeout")
	}
}

func TestToolCallRequestHumanTransfer(t *testing.T) {
	h := newHarness(t, time.Second)
	convID := h.startCall(t)
	dash := h.dashboard(alice)

	res := h.bridge.HandleToolCall(context.Background(), "vc-1", ToolRequestHumanTransfer, `{"reason":"pricing question","urgency":"high"}`)
	require.True(t, res.OK(), res.Error)

	reqs := dash.ofType(events.TypeHumanTransferRequested)
	require.Len(t, reqs, 1)
	assert.Equal(t, convID, reqs[0]["conversationId"])
	assert.Equal(t, "pricing question", reqs[0]["data"].(map[string]any)["reason"])
}

func TestToolCallUsesConversationContext(t *testing.T) {
	h := newHarness(t, time.Second)
	h.startCall(t)

	res := h.bridge.HandleToolCall(context.Background(), "vc-1", tools.ToolCreateLead, `{"name":"Dana"}`)
	require.True(t, res.OK(), res.Error)

	lead, err := h.store.GetLeadByPhone(context.Background(), "ORG1", customerPhone)
	require.NoError(t, err)
	assert.Equal(t, "Dana", lead.Name)
}

func TestCallEndedThenEvicted(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	convID := h.startCall(t)
	dash := h.dashboard(alice, convID)
	require.NoError(t, h.bridge.TakeConversation(ctx, alice, convID, "customer_request"))

	require.True(t, h.bridge.HandleCallEnded(ctx, "vc-1", "customer_hangup", "Booked a consult"))

	view, ok := h.bridge.State(convID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, view.Status)
	assert.False(t, h.voice.SocketOpen("vc-1"))
	ended := dash.ofType(events.TypeCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, "Booked a consult", ended[0]["data"].(map[string]any)["summary"])

	conv, err := h.store.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationCompleted, conv.Status)
	assert.Equal(t, "customer_hangup", conv.EndReason)
	require.NotNil(t, conv.EndedAt)

	now := time.Now()
	assert.Equal(t, 0, h.bridge.Sweep(now.Add(4*time.Minute)))
	assert.Equal(t, 1, h.bridge.Sweep(now.Add(DefaultRetention+time.Second)))

	_, ok = h.bridge.State(convID)
	assert.False(t, ok)
	assert.Equal(t, handoff.OwnerAI, h.bridge.Handoff().Owner(convID))
	assert.False(t, h.bridge.HandleVoiceTranscript(ctx, Transcript{VoiceConversationID: "vc-1", Text: "late"}))
}

func TestIdleConversationsEvicted(t *testing.T) {
	h := newHarness(t, time.Second)
	h.startCall(t)

	assert.Equal(t, 0, h.bridge.Sweep(time.Now().Add(time.Hour)))
	assert.Equal(t, 1, h.bridge.Sweep(time.Now().Add(DefaultIdleTimeout+time.Minute)))
	assert.Equal(t, 0, h.bridge.Len())
}

func TestEvictedHumanConversationKeepsOwnerOnReload(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	convID, _, err := h.bridge.HandleInboundSMS(ctx, InboundSMS{MessageSID: "SM1", From: customerPhone, To: orgPhone, Body: "Is Saturday open?"})
	require.NoError(t, err)
	require.NoError(t, h.bridge.TakeConversation(ctx, alice, convID, "customer_request"))
	require.Equal(t, 1, h.bridge.Sweep(time.Now().Add(DefaultIdleTimeout+time.Minute)))

	conv, err := h.store.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, "human", conv.Owner)

	again, _, err := h.bridge.HandleInboundSMS(ctx, InboundSMS{MessageSID: "SM2", From: customerPhone, To: orgPhone, Body: "Hello?"})
	require.NoError(t, err)
	require.Equal(t, convID, again)

	view, ok := h.bridge.State(convID)
	require.True(t, ok)
	assert.Equal(t, handoff.OwnerHuman, view.Owner)
	require.NotNil(t, view.Handoff)
	assert.Equal(t, "alice", view.Handoff.Agent.UserID)
	assert.Equal(t, handoff.ReasonRestored, view.Handoff.Reason)

	dash := h.dashboard(alice, convID)
	require.NoError(t, h.bridge.ReleaseConversation(ctx, alice, convID, "answered"))
	assert.Len(t, dash.ofType(events.TypeConversationReleased), 1)
	assert.Equal(t, handoff.OwnerAI, h.bridge.Handoff().Owner(convID))

	conv, err = h.store.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, "ai", conv.Owner)
	stats, err := h.dir.DashboardStats(ctx, "ORG1")
	require.NoError(t, err)
	assert.Zero(t, stats.HumanControlled)
}

func TestReleaseEvictedHumanConversation(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	convID, _, err := h.bridge.HandleInboundSMS(ctx, InboundSMS{MessageSID: "SM1", From: customerPhone, To: orgPhone, Body: "Call me back"})
	require.NoError(t, err)
	require.NoError(t, h.bridge.TakeConversation(ctx, alice, convID, "customer_request"))
	require.Equal(t, 1, h.bridge.Sweep(time.Now().Add(DefaultIdleTimeout+time.Minute)))
	dash := h.dashboard(alice)

	require.NoError(t, h.bridge.ReleaseConversation(ctx, alice, convID, "handled offline"))

	assert.Len(t, dash.ofType(events.TypeConversationReleased), 1)
	conv, err := h.store.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, "ai", conv.Owner)
	assert.Empty(t, conv.AgentID)
}

func TestOutboundCall(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	lead, _, err := h.dir.FindOrCreateLead(ctx, "ORG1", customerPhone)
	require.NoError(t, err)
	dash := h.dashboard(alice)

	res, err := h.bridge.RequestOutboundCall(ctx, OutboundRequest{
		Phone:          customerPhone,
		LeadID:         lead.ID,
		OrganizationID: "ORG1",
		DynamicContext: map[string]string{"first_name": "Dana"},
	})
	require.NoError(t, err)
	assert.Equal(t, "call-out-1", res.CallID)
	assert.Empty(t, res.SocketError)

	view, ok := h.bridge.State(res.ConversationID)
	require.True(t, ok)
	assert.Equal(t, "vc-out-1", view.VoiceConversationID)
	assert.Equal(t, store.DirectionOutbound, view.Direction)
	assert.True(t, h.voice.SocketOpen("vc-out-1"))

	id, ok := h.bridge.ConversationForVoice("vc-out-1")
	require.True(t, ok)
	assert.Equal(t, res.ConversationID, id)
	assert.Len(t, dash.ofType(events.TypeCallInitiated), 1)
	assert.Equal(t, "Dana", h.voice.placed[0].DynamicVariables["first_name"])
}

func TestOutboundCallSocketFailureKeepsCall(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	lead, _, err := h.dir.FindOrCreateLead(ctx, "ORG1", customerPhone)
	require.NoError(t, err)
	h.voice.openErr = errors.New("handshake refused")

	res, err := h.bridge.RequestOutboundCall(ctx, OutboundRequest{Phone: customerPhone, LeadID: lead.ID, OrganizationID: "ORG1"})
	require.NoError(t, err)
	assert.Equal(t, "handshake refused", res.SocketError)

	_, ok := h.bridge.State(res.ConversationID)
	assert.True(t, ok)

	// Without a socket, agent text goes by SMS
	require.NoError(t, h.bridge.HandleDashboardMessage(ctx, res.ConversationID, "Calling you now", alice))
	assert.Len(t, h.sms.messages(), 1)
}

func TestOutboundCallPlacementFailure(t *testing.T) {
	h := newHarness(t, time.Second)
	h.voice.placeErr = errors.New("agent not found")

	_, err := h.bridge.RequestOutboundCall(context.Background(), OutboundRequest{
		Phone: customerPhone, LeadID: "lead-1", OrganizationID: "ORG1",
	})
	assert.ErrorIs(t, err, ErrCallFailed)
	assert.Equal(t, 0, h.bridge.Len())
}

func TestInboundSMS(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	dash := h.dashboard(alice)

	convID, dup, err := h.bridge.HandleInboundSMS(ctx, InboundSMS{
		MessageSID: "SM1", From: "(416) 555-1234", To: orgPhone, Body: "Do you have Friday openings?",
	})
	require.NoError(t, err)
	require.False(t, dup)
	require.NotEmpty(t, convID)

	received := dash.ofType(events.TypeSMSReceived)
	require.Len(t, received, 1)
	assert.Equal(t, customerPhone, received[0]["data"].(map[string]any)["from"])

	// Provider redelivery is ignored
	_, dup, err = h.bridge.HandleInboundSMS(ctx, InboundSMS{MessageSID: "SM1", From: customerPhone, To: orgPhone, Body: "Do you have Friday openings?"})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Len(t, dash.ofType(events.TypeSMSReceived), 1)

	// Next text joins the same conversation
	next, _, err := h.bridge.HandleInboundSMS(ctx, InboundSMS{MessageSID: "SM2", From: customerPhone, To: orgPhone, Body: "Morning preferred"})
	require.NoError(t, err)
	assert.Equal(t, convID, next)

	view, ok := h.bridge.State(convID)
	require.True(t, ok)
	assert.Equal(t, store.ChannelSMS, view.Channel)
}

func TestInboundSMSDuringCallJoinsCall(t *testing.T) {
	h := newHarness(t, time.Second)
	convID := h.startCall(t)

	got, _, err := h.bridge.HandleInboundSMS(context.Background(), InboundSMS{
		MessageSID: "SM9", From: customerPhone, To: orgPhone, Body: "sending my email",
	})
	require.NoError(t, err)
	assert.Equal(t, convID, got)
}

func TestHubCommandFramesReachBridge(t *testing.T) {
	h := newHarness(t, time.Second)
	convID := h.startCall(t)

	sock := &dashboardSocket{}
	sess := h.hub.Attach(alice, sock)
	h.hub.HandleFrame(context.Background(), sess, []byte(`{"type":"take_conversation","data":{"conversationId":"`+convID+`","reason":"customer_request"}}`))
	h.bridge.Handoff().Wait()

	assert.Equal(t, handoff.OwnerHuman, h.bridge.Handoff().Owner(convID))
	assert.Len(t, sock.ofType(events.TypeConversationTakenOver), 1)

	h.hub.HandleFrame(context.Background(), sess, []byte(`{"type":"take_conversation","data":{"conversationId":"ghost"}}`))
	errs := sock.ofType("error")
	require.Len(t, errs, 1)
	assert.Equal(t, hub.CodeCommandFailed, errs[0]["error"].(map[string]any)["code"])
}
