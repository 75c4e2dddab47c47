// ABOUTME: Provider webhooks for inbound SMS and voice call events
// ABOUTME: Also dispatches frames the voice provider pushes over conversation sockets

package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/2389/switchboard-gateway/internal/bridge"
	"github.com/2389/switchboard-gateway/internal/directory"
)

// Voice webhook events, also used as socket frame types
const (
	VoiceEventCallStarted = "call_started"
	VoiceEventTranscript  = "transcript"
	VoiceEventToolCall    = "tool_call"
	VoiceEventCallEnded   = "call_ended"
)

// voiceSecretHeader carries the shared secret on voice webhooks.
const voiceSecretHeader = "X-Webhook-Secret"

// frameTimeout bounds handling of one socket frame.
const frameTimeout = 10 * time.Second

// emptyTwiML acknowledges an inbound message without replying.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// handleSMSWebhook records an inbound text posted by Twilio.
func (g *Gateway) handleSMSWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	if !g.validTwilioSignature(r) {
		g.logger.Warn("rejected sms webhook with bad signature", "remote_addr", r.RemoteAddr)
		g.sendJSONError(w, http.StatusForbidden, "invalid signature")
		return
	}

	msg := bridge.InboundSMS{
		MessageSID: r.PostForm.Get("MessageSid"),
		From:       r.PostForm.Get("From"),
		To:         r.PostForm.Get("To"),
		Body:       r.PostForm.Get("Body"),
	}
	if msg.From == "" || msg.To == "" {
		g.sendJSONError(w, http.StatusBadRequest, "From and To are required")
		return
	}

	convID, duplicate, err := g.bridge.HandleInboundSMS(r.Context(), msg)
	switch {
	case errors.Is(err, directory.ErrUnknownNumber):
		g.logger.Warn("sms to unknown number", "to", msg.To)
		g.sendJSONError(w, http.StatusNotFound, "unknown number")
		return
	case err != nil:
		g.logger.Error("handling inbound sms", "message_sid", msg.MessageSID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to record message")
		return
	}
	g.logger.Debug("inbound sms recorded", "conversation_id", convID, "duplicate", duplicate)

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, emptyTwiML)
}

// validTwilioSignature checks X-Twilio-Signature when a webhook URL is
// configured. Without one every request is accepted.
func (g *Gateway) validTwilioSignature(r *http.Request) bool {
	if g.config.SMS.WebhookURL == "" {
		return true
	}
	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}
	validator := twilioclient.NewRequestValidator(g.config.SMS.AuthToken)
	return validator.Validate(g.config.SMS.WebhookURL, params, r.Header.Get("X-Twilio-Signature"))
}

func (g *Gateway) validVoiceSecret(r *http.Request) bool {
	secret := g.config.Voice.WebhookSecret
	if secret == "" {
		return true
	}
	got := r.Header.Get(voiceSecretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

// handleVoiceWebhook dispatches a voice provider event to the bridge.
func (g *Gateway) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	if !g.validVoiceSecret(r) {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || !gjson.ValidBytes(body) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	event := r.PathValue("event")
	ctx := r.Context()

	switch event {
	case VoiceEventCallStarted:
		var call bridge.CallStarted
		if err := json.Unmarshal(body, &call); err != nil || call.VoiceConversationID == "" {
			g.sendJSONError(w, http.StatusBadRequest, "conversation_id is required")
			return
		}
		convID, err := g.bridge.HandleCallStarted(ctx, call)
		switch {
		case errors.Is(err, directory.ErrUnknownNumber):
			g.sendJSONError(w, http.StatusNotFound, "unknown number")
			return
		case err != nil:
			g.logger.Error("handling call start", "voice_conversation_id", call.VoiceConversationID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "failed to start conversation")
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]string{"conversationId": convID})

	case VoiceEventTranscript:
		var tr bridge.Transcript
		if err := json.Unmarshal(body, &tr); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid transcript")
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]bool{"accepted": g.bridge.HandleVoiceTranscript(ctx, tr)})

	case VoiceEventToolCall:
		voiceID := gjson.GetBytes(body, "conversation_id").String()
		name := gjson.GetBytes(body, "tool_name").String()
		params := gjson.GetBytes(body, "parameters").Raw
		if params == "" {
			params = "{}"
		}
		g.writeJSON(w, http.StatusOK, g.bridge.HandleToolCall(ctx, voiceID, name, params))

	case VoiceEventCallEnded:
		accepted := g.bridge.HandleCallEnded(ctx,
			gjson.GetBytes(body, "conversation_id").String(),
			gjson.GetBytes(body, "reason").String(),
			gjson.GetBytes(body, "summary").String())
		g.writeJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})

	default:
		g.sendJSONError(w, http.StatusNotFound, "unknown voice event: "+event)
	}
}

// handleVoiceFrame receives frames the provider pushes over a conversation
// socket. Transcripts and call endings are handled; anything else is ignored.
func (g *Gateway) handleVoiceFrame(voiceConversationID string, data []byte) {
	if g.bridge == nil || !gjson.ValidBytes(data) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	frame := gjson.ParseBytes(data)
	switch frame.Get("type").String() {
	case VoiceEventTranscript:
		g.bridge.HandleVoiceTranscript(ctx, bridge.Transcript{
			VoiceConversationID: voiceConversationID,
			Text:                frame.Get("text").String(),
			Confidence:          frame.Get("confidence").Float(),
			Speaker:             frame.Get("speaker").String(),
		})
	case VoiceEventCallEnded:
		g.bridge.HandleCallEnded(ctx, voiceConversationID,
			frame.Get("reason").String(),
			frame.Get("summary").String())
	default:
		g.logger.Debug("ignoring voice frame",
			"voice_conversation_id", voiceConversationID,
			"type", frame.Get("type").String())
	}
}
