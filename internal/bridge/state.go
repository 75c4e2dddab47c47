// ABOUTME: In-memory table of live conversations with voice and lead indexes
// ABOUTME: Per-entry locks serialize event handling within one conversation

package bridge

import (
	"sync"
	"time"
)

// Status values of a live conversation
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ConversationState is the live view of one customer conversation.
type ConversationState struct {
	ConversationID      string    `json:"conversationId"`
	LeadID              string    `json:"leadId"`
	OrganizationID      string    `json:"organizationId"`
	Phone               string    `json:"phone"`
	Channel             string    `json:"channel"`
	Direction           string    `json:"direction"`
	VoiceConversationID string    `json:"voiceConversationId,omitempty"`
	CallID              string    `json:"callId,omitempty"`
	Status              string    `json:"status"`
	LastAgentMessage    string    `json:"lastAgentMessage,omitempty"`
	LastActivity        time.Time `json:"lastActivity"`
	EndedAt             time.Time `json:"endedAt,omitempty"`
}

type entry struct {
	mu      sync.Mutex
	state   ConversationState
	evictAt time.Time
	evicted bool
}

// table holds live conversations. Index maps are guarded by mu; each
// entry's state is guarded by its own lock.
type table struct {
	mu      sync.RWMutex
	byID    map[string]*entry
	byVoice map[string]string // voice conversation id -> conversation id
	byLead  map[string]string // lead id -> newest conversation id
}

func newTable() *table {
	return &table{
		byID:    make(map[string]*entry),
		byVoice: make(map[string]string),
		byLead:  make(map[string]string),
	}
}

func (t *table) add(st ConversationState) *entry {
	e := &entry{state: st}
	t.mu.Lock()
	t.byID[st.ConversationID] = e
	if st.VoiceConversationID != "" {
		t.byVoice[st.VoiceConversationID] = st.ConversationID
	}
	if st.LeadID != "" {
		t.byLead[st.LeadID] = st.ConversationID
	}
	t.mu.Unlock()
	return e
}

func (t *table) get(conversationID string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byID[conversationID]
	return e, ok
}

func (t *table) byVoiceID(voiceConversationID string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byVoice[voiceConversationID]
	if !ok {
		return nil, false
	}
	e, ok := t.byID[id]
	return e, ok
}

func (t *table) byLeadID(leadID string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byLead[leadID]
	if !ok {
		return nil, false
	}
	e, ok := t.byID[id]
	return e, ok
}

func (t *table) linkVoice(voiceConversationID, conversationID string) {
	t.mu.Lock()
	t.byVoice[voiceConversationID] = conversationID
	t.mu.Unlock()
}

// remove drops a conversation and its index entries. The caller must hold
// e.mu so in-flight handlers observe evicted.
func (t *table) remove(e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := e.state
	if t.byID[st.ConversationID] == e {
		delete(t.byID, st.ConversationID)
	}
	if st.VoiceConversationID != "" && t.byVoice[st.VoiceConversationID] == st.ConversationID {
		delete(t.byVoice, st.VoiceConversationID)
	}
	if st.LeadID != "" && t.byLead[st.LeadID] == st.ConversationID {
		delete(t.byLead, st.LeadID)
	}
	e.evicted = true
}

func (t *table) entries() []*entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*entry, 0, len(t.byID))
	for _, e := range t.byID {
		out = append(out, e)
	}
	return out
}

func (t *table) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
