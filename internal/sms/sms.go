// ABOUTME: Outbound SMS sender over the Twilio REST API
// ABOUTME: Sender interface plus a disabled sender for deployments without SMS

package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// ErrDisabled is returned by the disabled sender.
var ErrDisabled = errors.New("sms disabled")

// ErrMissingRecipient is returned when Send has no destination number.
var ErrMissingRecipient = errors.New("missing recipient")

// Sender delivers one text message and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// messageCreator is the subset of the Twilio API used here.
type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// TwilioSender sends messages from a fixed number.
type TwilioSender struct {
	api    messageCreator
	from   string
	logger *slog.Logger
}

// NewTwilioSender creates a sender authenticated with an account SID and token.
func NewTwilioSender(accountSID, authToken, from string, logger *slog.Logger) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return newTwilioSender(client.Api, from, logger)
}

func newTwilioSender(api messageCreator, from string, logger *slog.Logger) *TwilioSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &TwilioSender{api: api, from: from, logger: logger.With("component", "sms")}
}

// Send sends body to the E.164 number to. The Twilio client does not take a
// context, so a cancelled ctx is only honoured before the request starts.
func (s *TwilioSender) Send(ctx context.Context, to, body string) (string, error) {
	if to == "" {
		return "", ErrMissingRecipient
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	msg, err := s.api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("sending sms: %w", err)
	}

	sid := ""
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	s.logger.Info("sms sent", "to", to, "sid", sid)
	return sid, nil
}

// Disabled is a Sender that always fails with ErrDisabled.
type Disabled struct{}

// Send implements Sender.
func (Disabled) Send(context.Context, string, string) (string, error) {
	return "", ErrDisabled
}
