// ABOUTME: Tests for the Gateway composition root, its webhooks and JSON API
// ABOUTME: Drives the real component graph over httptest with an in-memory store

package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/switchboard-gateway/internal/auth"
	"github.com/2389/switchboard-gateway/internal/config"
	"github.com/2389/switchboard-gateway/internal/events"
	"github.com/2389/switchboard-gateway/internal/store"
	"github.com/2389/switchboard-gateway/internal/tools"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	orgPhone     = "+14165550000"
	callerPhone  = "+14165551234"
	twilioToken  = "twilio-auth-token"
	publicSMSURL = "https://switchboard.example.com/webhooks/sms"
)

// testConfig creates a minimal config for testing.
func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Auth:     config.AuthConfig{JWTSecret: testSecret, TokenTTL: time.Hour},
		Hub: config.HubConfig{
			HeartbeatInterval: 30 * time.Second,
			WriteTimeout:      time.Second,
		},
		Bridge: config.BridgeConfig{
			ToolTimeout:   time.Second,
			Retention:     time.Minute,
			SweepInterval: time.Minute,
		},
		Events:  config.EventsConfig{Exchange: config.DefaultExchange},
		Metrics: config.MetricsConfig{Enabled: true, Path: config.DefaultMetricsPath},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testGateway struct {
	*Gateway
	server *httptest.Server
}

func newTestGateway(t *testing.T, cfg *config.Config) *testGateway {
	t.Helper()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	require.NoError(t, gw.Store().CreateOrganization(context.Background(), &store.Organization{
		ID: "ORG1", Name: "Glow Med Spa", Phone: orgPhone, CreatedAt: time.Now().UTC(),
	}))

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &testGateway{Gateway: gw, server: srv}
}

func (tg *testGateway) token(t *testing.T, orgID string) string {
	t.Helper()
	tok, err := tg.verifier.Generate(auth.Identity{
		UserID: "agent-1", Email: "agent@example.com", Role: auth.RoleAgent, OrganizationID: orgID,
	}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (tg *testGateway) do(t *testing.T, method, path, token, contentType, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, tg.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func (tg *testGateway) voiceEvent(t *testing.T, event, body string) (*http.Response, string) {
	t.Helper()
	return tg.do(t, http.MethodPost, "/webhooks/voice/"+event, "", "application/json", body)
}

func smsForm(sid, from, to, body string) url.Values {
	return url.Values{"MessageSid": {sid}, "From": {from}, "To": {to}, "Body": {body}}
}

func TestHealthEndpoints(t *testing.T) {
	tg := newTestGateway(t, testConfig())

	resp, body := tg.do(t, http.MethodGet, "/health", "", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", body)

	resp, body = tg.do(t, http.MethodGet, "/health/ready", "", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "ready")
}

func TestMetricsEndpoint(t *testing.T) {
	tg := newTestGateway(t, testConfig())

	resp, body := tg.do(t, http.MethodGet, "/metrics", "", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "switchboard_bridge_live_conversations")
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = false
	tg := newTestGateway(t, cfg)

	resp, _ := tg.do(t, http.MethodGet, "/metrics", "", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIRequiresToken(t *testing.T) {
	tg := newTestGateway(t, testConfig())

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/calls"},
		{http.MethodGet, "/api/stats"},
		{http.MethodGet, "/api/conversations/anything"},
	} {
		resp, _ := tg.do(t, tc.method, tc.path, "", "application/json", "{}")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, tc.path)
	}

	resp, _ := tg.do(t, http.MethodGet, "/api/stats", "not-a-jwt", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOutboundCall(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	tok := tg.token(t, "ORG1")

	t.Run("invalid body", func(t *testing.T) {
		resp, _ := tg.do(t, http.MethodPost, "/api/calls", tok, "application/json", "{")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("other organization", func(t *testing.T) {
		resp, _ := tg.do(t, http.MethodPost, "/api/calls", tok, "application/json",
			`{"phone":"+14165551234","leadId":"lead-1","organizationId":"ORG2"}`)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("voice not configured", func(t *testing.T) {
		resp, body := tg.do(t, http.MethodPost, "/api/calls", tok, "application/json",
			`{"phone":"+14165551234","leadId":"lead-1"}`)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Contains(t, body, "voice channel not configured")
		assert.Equal(t, 0, tg.Bridge().Len())
	})
}

func TestOutboundCallMissingFields(t *testing.T) {
	cfg := testConfig()
	cfg.Voice.APIURL = "http://127.0.0.1:1"
	tg := newTestGateway(t, cfg)

	resp, body := tg.do(t, http.MethodPost, "/api/calls", tg.token(t, "ORG1"), "application/json", `{"leadId":"lead-1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "required")
}

func TestStats(t *testing.T) {
	tg := newTestGateway(t, testConfig())

	resp, body := tg.do(t, http.MethodGet, "/api/stats", tg.token(t, "ORG1"), "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal([]byte(body), &stats))
	assert.Equal(t, "ORG1", stats.OrganizationID)
	assert.Zero(t, stats.LiveConversations)
}

func TestSMSWebhook(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	form := smsForm("SM1", callerPhone, orgPhone, "Do you have openings Friday?")

	resp, body := tg.do(t, http.MethodPost, "/webhooks/sms", "", "application/x-www-form-urlencoded", form.Encode())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/xml", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, "<Response>")
	assert.Equal(t, 1, tg.Bridge().Len())

	// Twilio retries deliver the same MessageSid
	resp, _ = tg.do(t, http.MethodPost, "/webhooks/sms", "", "application/x-www-form-urlencoded", form.Encode())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, tg.Bridge().Len())

	resp, _ = tg.do(t, http.MethodPost, "/webhooks/sms", "", "application/x-www-form-urlencoded",
		smsForm("SM2", callerPhone, "+14165559999", "hello").Encode())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = tg.do(t, http.MethodPost, "/webhooks/sms", "", "application/x-www-form-urlencoded",
		url.Values{"MessageSid": {"SM3"}}.Encode())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// twilioSignature computes X-Twilio-Signature for a form post.
func twilioSignature(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSMSWebhookSignature(t *testing.T) {
	cfg := testConfig()
	cfg.SMS.AuthToken = twilioToken
	cfg.SMS.WebhookURL = publicSMSURL
	tg := newTestGateway(t, cfg)

	form := smsForm("SM10", callerPhone, orgPhone, "hi")

	resp, _ := tg.do(t, http.MethodPost, "/webhooks/sms", "", "application/x-www-form-urlencoded", form.Encode())
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, tg.Bridge().Len())

	req, err := http.NewRequest(http.MethodPost, tg.server.URL+"/webhooks/sms", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", twilioSignature(twilioToken, publicSMSURL, form))
	signed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	signed.Body.Close()
	assert.Equal(t, http.StatusOK, signed.StatusCode)
	assert.Equal(t, 1, tg.Bridge().Len())
}

func TestVoiceWebhookLifecycle(t *testing.T) {
	tg := newTestGateway(t, testConfig())

	resp, body := tg.voiceEvent(t, VoiceEventCallStarted,
		`{"conversation_id":"vc-1","call_id":"call-1","from_number":"+14165551234","to_number":"+14165550000"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	var started map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &started))
	convID := started["conversationId"]
	require.NotEmpty(t, convID)

	// Provider retries are idempotent
	_, body = tg.voiceEvent(t, VoiceEventCallStarted,
		`{"conversation_id":"vc-1","call_id":"call-1","from_number":"+14165551234","to_number":"+14165550000"}`)
	assert.Contains(t, body, convID)
	assert.Equal(t, 1, tg.Bridge().Len())

	_, body = tg.voiceEvent(t, VoiceEventTranscript, `{"conversation_id":"vc-1","text":"Hi there","speaker":"user","confidence":0.92}`)
	assert.JSONEq(t, `{"accepted":true}`, body)

	_, body = tg.voiceEvent(t, VoiceEventTranscript, `{"conversation_id":"vc-unknown","text":"lost"}`)
	assert.JSONEq(t, `{"accepted":false}`, body)

	_, body = tg.voiceEvent(t, VoiceEventToolCall,
		`{"conversation_id":"vc-1","tool_name":"check_inventory","parameters":{"query":"botox"}}`)
	var res tools.Result
	require.NoError(t, json.Unmarshal([]byte(body), &res))
	assert.True(t, res.OK(), res.Error)

	_, body = tg.voiceEvent(t, VoiceEventToolCall, `{"conversation_id":"vc-1","tool_name":"teleport"}`)
	require.NoError(t, json.Unmarshal([]byte(body), &res))
	assert.Equal(t, "Unknown tool: teleport", res.Error)

	_, body = tg.voiceEvent(t, VoiceEventCallEnded, `{"conversation_id":"vc-1","reason":"customer_hangup","summary":"asked about Friday"}`)
	assert.JSONEq(t, `{"accepted":true}`, body)

	view, ok := tg.Bridge().State(convID)
	require.True(t, ok)
	assert.Equal(t, "completed", view.Status)

	resp, _ = tg.voiceEvent(t, "call_exploded", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = tg.voiceEvent(t, VoiceEventTranscript, `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVoiceWebhookUnknownNumber(t *testing.T) {
	tg := newTestGateway(t, testConfig())

	resp, _ := tg.voiceEvent(t, VoiceEventCallStarted,
		`{"conversation_id":"vc-2","from_number":"+14165551234","to_number":"+14165559999"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = tg.voiceEvent(t, VoiceEventCallStarted, `{"to_number":"+14165550000"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVoiceWebhookSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Voice.WebhookSecret = "shh"
	tg := newTestGateway(t, cfg)

	resp, _ := tg.voiceEvent(t, VoiceEventTranscript, `{"conversation_id":"vc-1","text":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, tg.server.URL+"/webhooks/voice/transcript",
		strings.NewReader(`{"conversation_id":"vc-1","text":"hi"}`))
	require.NoError(t, err)
	req.Header.Set(voiceSecretHeader, "shh")
	ok, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)
}

func TestConversationEndpoint(t *testing.T) {
	tg := newTestGateway(t, testConfig())

	_, body := tg.voiceEvent(t, VoiceEventCallStarted,
		`{"conversation_id":"vc-3","call_id":"call-3","from_number":"+14165551234","to_number":"+14165550000"}`)
	var started map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &started))
	convID := started["conversationId"]

	resp, body := tg.do(t, http.MethodGet, "/api/conversations/"+convID, tg.token(t, "ORG1"), "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		ConversationID string `json:"conversationId"`
		Owner          string `json:"owner"`
		Status         string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &view))
	assert.Equal(t, convID, view.ConversationID)
	assert.Equal(t, "ai", view.Owner)
	assert.Equal(t, "active", view.Status)

	resp, _ = tg.do(t, http.MethodGet, "/api/conversations/"+convID, tg.token(t, "ORG2"), "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = tg.do(t, http.MethodGet, "/api/conversations/missing", tg.token(t, "ORG1"), "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDashboardReceivesInboundCall(t *testing.T) {
	tg := newTestGateway(t, testConfig())

	wsURL := "ws" + strings.TrimPrefix(tg.server.URL, "http") + "/ws?token=" + tg.token(t, "ORG1")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first map[string]any
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "connection_established", first["type"])

	tg.voiceEvent(t, VoiceEventCallStarted,
		`{"conversation_id":"vc-4","call_id":"call-4","from_number":"+14165551234","to_number":"+14165550000"}`)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.TypeCallInitiated, ev.Type)
	assert.Equal(t, "ORG1", ev.OrganizationID)
}

func TestWebsocketRejectsMissingToken(t *testing.T) {
	tg := newTestGateway(t, testConfig())

	wsURL := "ws" + strings.TrimPrefix(tg.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestVoiceFrames(t *testing.T) {
	tg := newTestGateway(t, testConfig())

	_, body := tg.voiceEvent(t, VoiceEventCallStarted,
		`{"conversation_id":"vc-5","call_id":"call-5","from_number":"+14165551234","to_number":"+14165550000"}`)
	var started map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &started))

	tg.handleVoiceFrame("vc-5", []byte(`{"type":"ping"}`))
	tg.handleVoiceFrame("vc-5", []byte(`garbage`))
	tg.handleVoiceFrame("vc-5", []byte(`{"type":"call_ended","reason":"completed"}`))

	view, ok := tg.Bridge().State(started["conversationId"])
	require.True(t, ok)
	assert.Equal(t, "completed", view.Status)
}

func TestRunServesAndShutsDown(t *testing.T) {
	cfg := testConfig()
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.serve(ctx, httpLn, grpcLn) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + httpLn.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cc, err := grpc.NewClient(grpcLn.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer cc.Close()
	checkCtx, checkCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer checkCancel()
	hc, err := healthpb.NewHealthClient(cc).Check(checkCtx, &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hc.GetStatus())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down")
	}

	// Shutdown is idempotent once Run has stopped
	assert.NoError(t, gw.Shutdown(context.Background()))
}

func TestBridgeIdleTimeoutFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Bridge.IdleTimeout = 10 * time.Minute
	tg := newTestGateway(t, cfg)

	resp, _ := tg.do(t, http.MethodPost, "/webhooks/sms", "", "application/x-www-form-urlencoded",
		smsForm("SM-idle", callerPhone, orgPhone, "Still open today?").Encode())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, tg.Bridge().Len())

	assert.Zero(t, tg.Bridge().Sweep(time.Now().Add(9*time.Minute)))
	assert.Equal(t, 1, tg.Bridge().Sweep(time.Now().Add(11*time.Minute)))
}
