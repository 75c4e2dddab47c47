// ABOUTME: Durable write-back of bridge state changes through the directory
// ABOUTME: Failures are logged; stored human ownership is restored on reload

package bridge

import (
	"context"
	"time"

	"github.com/2389/switchboard-gateway/internal/auth"
	"github.com/2389/switchboard-gateway/internal/handoff"
	"github.com/2389/switchboard-gateway/internal/store"
)

func (b *Bridge) saveConversation(ctx context.Context, st ConversationState, startedAt time.Time) {
	conv := &store.Conversation{
		ID:                  st.ConversationID,
		LeadID:              st.LeadID,
		OrganizationID:      st.OrganizationID,
		Channel:             st.Channel,
		VoiceConversationID: st.VoiceConversationID,
		CallID:              st.CallID,
		Status:              store.ConversationActive,
		Owner:               string(handoff.OwnerAI),
		StartedAt:           startedAt,
	}
	if err := b.dir.SaveConversation(ctx, conv); err != nil {
		b.logger.Warn("conversation write-back failed",
			"conversation_id", st.ConversationID,
			"error", err)
	}
}

func (b *Bridge) persistConversation(ctx context.Context, conversationID string, mutate func(*store.Conversation)) {
	conv, err := b.dir.Conversation(ctx, conversationID)
	if err != nil {
		b.logger.Warn("conversation write-back skipped",
			"conversation_id", conversationID,
			"error", err)
		return
	}
	mutate(conv)
	if err := b.dir.UpdateConversation(ctx, conv); err != nil {
		b.logger.Warn("conversation write-back failed",
			"conversation_id", conversationID,
			"error", err)
	}
}

func (b *Bridge) persistOwner(ctx context.Context, conversationID string, owner handoff.Owner, agentID string) {
	b.persistConversation(ctx, conversationID, func(c *store.Conversation) {
		c.Owner = string(owner)
		c.AgentID = agentID
	})
}

func (b *Bridge) persistMessage(ctx context.Context, st ConversationState, msg *store.Message) {
	msg.ConversationID = st.ConversationID
	msg.LeadID = st.LeadID
	if err := b.dir.AppendMessage(ctx, st.OrganizationID, msg); err != nil {
		b.logger.Warn("message write-back failed",
			"conversation_id", st.ConversationID,
			"message_id", msg.ID,
			"error", err)
	}
}

// restoreOwner reinstates a human handoff recorded in the store so the live
// owner matches the durable one.
func (b *Bridge) restoreOwner(conversationID, orgID, owner, agentID string) {
	if owner != string(handoff.OwnerHuman) {
		return
	}
	agent := auth.Identity{UserID: agentID, OrganizationID: orgID}
	if b.handoff.Restore(conversationID, agent, time.Time{}) {
		b.logger.Info("human ownership restored",
			"conversation_id", conversationID,
			"agent", agentID)
	}
}
