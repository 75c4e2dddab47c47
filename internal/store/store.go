// ABOUTME: Store interface and record types for switchboard durable persistence
// ABOUTME: Defines organizations, leads, conversations, messages, inventory and appointments

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint rejects an insert
var ErrDuplicate = errors.New("already exists")

// Organization is a business reached through one inbound phone number
type Organization struct {
	ID        string
	Name      string
	Phone     string // E.164
	CreatedAt time.Time
}

// Lead is a customer of an organization, identified by phone number
type Lead struct {
	ID             string
	OrganizationID string
	Phone          string // E.164
	Name           string
	Email          string
	Status         string // new, contacted, qualified, booked
	Notes          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Lead statuses
const (
	LeadStatusNew       = "new"
	LeadStatusContacted = "contacted"
	LeadStatusQualified = "qualified"
	LeadStatusBooked    = "booked"
)

// Conversation is the durable record of one customer interaction lifecycle
type Conversation struct {
	ID                  string
	LeadID              string
	OrganizationID      string
	Channel             string // voice, sms
	VoiceConversationID string
	CallID              string
	Status              string // active, completed, failed
	Owner               string // ai, human
	AgentID             string
	Summary             string
	EndReason           string
	StartedAt           time.Time
	EndedAt             *time.Time
	UpdatedAt           time.Time
}

// Conversation channels and statuses
const (
	ChannelVoice = "voice"
	ChannelSMS   = "sms"

	ConversationActive    = "active"
	ConversationCompleted = "completed"
	ConversationFailed    = "failed"
)

// Message is one utterance or text within a conversation
type Message struct {
	ID             string
	ConversationID string
	LeadID         string
	Direction      string // inbound, outbound
	Sender         string // customer, ai, agent
	Channel        string
	Body           string
	CreatedAt      time.Time
}

// Message directions
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Summary is the closing summary of a finished conversation
type Summary struct {
	ConversationID string
	Summary        string
	EndedAt        time.Time
}

// OrganizationStats aggregates dashboard counters for one organization
type OrganizationStats struct {
	OrganizationID      string
	Leads               int
	ActiveConversations int
	HumanControlled     int
	ConversationsToday  int
	MessagesToday       int
}

// InventoryItem is a product or service an organization can quote
type InventoryItem struct {
	ID             string
	OrganizationID string
	SKU            string
	Name           string
	Quantity       int
	PriceCents     int64
	UpdatedAt      time.Time
}

// Appointment is a booking made for a lead
type Appointment struct {
	ID             string
	OrganizationID string
	LeadID         string
	StartsAt       time.Time
	Service        string
	Notes          string
	CreatedAt      time.Time
}

// Store defines the durable persistence operations used by the gateway
type Store interface {
	// Organizations
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	GetOrganizationByPhone(ctx context.Context, phone string) (*Organization, error)

	// Leads
	CreateLead(ctx context.Context, lead *Lead) error
	GetLead(ctx context.Context, id string) (*Lead, error)
	GetLeadByPhone(ctx context.Context, orgID, phone string) (*Lead, error)
	UpdateLead(ctx context.Context, lead *Lead) error

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error
	ListConversationsByLead(ctx context.Context, leadID string, limit int) ([]*Conversation, error)
	ListSummaries(ctx context.Context, leadID string, limit int) ([]*Summary, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	ListLeadMessages(ctx context.Context, leadID string, limit int) ([]*Message, error)

	// Dashboard
	GetOrganizationStats(ctx context.Context, orgID string, since time.Time) (*OrganizationStats, error)

	// Inventory and appointments
	UpsertInventoryItem(ctx context.Context, item *InventoryItem) error
	SearchInventory(ctx context.Context, orgID, query string, limit int) ([]*InventoryItem, error)
	CreateAppointment(ctx context.Context, appt *Appointment) error
	ListAppointments(ctx context.Context, leadID string) ([]*Appointment, error)

	// Close releases any resources held by the store
	Close() error
}
