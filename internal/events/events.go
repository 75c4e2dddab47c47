// ABOUTME: Event types and payloads broadcast by the bridge and handoff controller
// ABOUTME: Shared by the hub (delivery) and the AMQP exporter (publication)

package events

import "time"

// Event types delivered to dashboard clients
const (
	TypeAgentMessageSent       = "agent_message_sent"
	TypeMessageReceived        = "message_received"
	TypeSMSReceived            = "sms_received"
	TypeCallInitiated          = "call_initiated"
	TypeCallEnded              = "call_ended"
	TypeConversationTakenOver  = "conversation_taken_over"
	TypeConversationReleased   = "conversation_released"
	TypeHumanTransferRequested = "human_transfer_requested"
	TypeMessageSendError       = "message_send_error"
	TypeAgentStatusUpdated     = "agent_status_updated"
)

// Event is one broadcast. It is marshaled as-is onto dashboard sockets.
type Event struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId,omitempty"`
	OrganizationID string    `json:"organizationId,omitempty"`
	Data           any       `json:"data,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// New builds an Event stamped with the current time.
func New(typ, conversationID, organizationID string, data any) Event {
	return Event{
		Type:           typ,
		ConversationID: conversationID,
		OrganizationID: organizationID,
		Data:           data,
		Timestamp:      time.Now().UTC(),
	}
}

// Message senders
const (
	SenderCustomer = "customer"
	SenderAI       = "ai"
	SenderAgent    = "agent"
)

// Delivery statuses
const (
	StatusDelivered = "delivered"
	StatusSent      = "sent"
	StatusFailed    = "failed"
)

// MessagePayload is the data of agent_message_sent, message_received and sms_received.
type MessagePayload struct {
	MessageID  string  `json:"messageId"`
	Text       string  `json:"text"`
	Sender     string  `json:"sender"`
	Channel    string  `json:"channel"`
	Status     string  `json:"status"`
	Confidence float64 `json:"confidence,omitempty"`
	AgentID    string  `json:"agentId,omitempty"`
	From       string  `json:"from,omitempty"`
}

// CallPayload is the data of call_initiated and call_ended.
type CallPayload struct {
	CallID              string `json:"callId,omitempty"`
	VoiceConversationID string `json:"voiceConversationId,omitempty"`
	LeadID              string `json:"leadId"`
	Phone               string `json:"phone"`
	Direction           string `json:"direction"`
	Status              string `json:"status"`
	Reason              string `json:"reason,omitempty"`
	Summary             string `json:"summary,omitempty"`
}

// HandoffPayload is the data of conversation_taken_over and conversation_released.
type HandoffPayload struct {
	AgentID    string    `json:"agentId"`
	AgentEmail string    `json:"agentEmail,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Owner      string    `json:"owner"`
	At         time.Time `json:"at"`
}

// TransferRequestPayload is the data of human_transfer_requested.
type TransferRequestPayload struct {
	Reason  string `json:"reason"`
	Urgency string `json:"urgency,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// SendErrorPayload is the data of message_send_error.
type SendErrorPayload struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
	Error   string `json:"error"`
}

// AgentStatusPayload is the data of agent_status_updated.
type AgentStatusPayload struct {
	UserID              string `json:"userId"`
	Email               string `json:"email,omitempty"`
	Status              string `json:"status"`
	CurrentConversation string `json:"currentConversation,omitempty"`
}
