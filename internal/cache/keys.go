// ABOUTME: Cache key namespace builders and phone normalization.
// ABOUTME: Every key is prefixed by its entity type so prefix invalidation stays scoped.

package cache

import (
	"strconv"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// defaultRegion is used to interpret numbers written without a country code.
const defaultRegion = "US"

// Key namespaces.
const (
	NamespaceLead          = "lead"
	NamespaceOrganization  = "org"
	NamespaceContext       = "ctx"
	NamespaceConversations = "conv"
	NamespaceSummaries     = "summaries"
	NamespaceSession       = "session"
	NamespaceStats         = "stats"
	NamespaceSMS           = "sms"
)

// NormalizePhone returns phone in E.164 form. Input that does not parse as a
// phone number is reduced to its digits (with a leading + if present) so the
// key is still stable.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}
	if num, err := phonenumbers.Parse(phone, defaultRegion); err == nil {
		return phonenumbers.Format(num, phonenumbers.E164)
	}

	var b strings.Builder
	for i, r := range phone {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LeadKey addresses a lead by phone within an organization.
func LeadKey(phone, orgID string) string {
	return NamespaceLead + ":" + NormalizePhone(phone) + ":" + orgID
}

// OrganizationKey addresses an organization by its inbound phone number.
func OrganizationKey(phone string) string {
	return NamespaceOrganization + ":" + NormalizePhone(phone)
}

// ContextKey addresses the recent conversational context of a lead.
func ContextKey(leadID string) string {
	return NamespaceContext + ":" + leadID
}

// ConversationsKey addresses the recent conversation list of a lead.
func ConversationsKey(leadID string, limit int) string {
	return ConversationsPrefix(leadID) + strconv.Itoa(limit)
}

// ConversationsPrefix matches every ConversationsKey of a lead.
func ConversationsPrefix(leadID string) string {
	return NamespaceConversations + ":" + leadID + ":"
}

// SummariesKey addresses the conversation summaries of a lead.
func SummariesKey(leadID string) string {
	return NamespaceSummaries + ":" + leadID
}

// SessionKey addresses the live session/handoff state of a lead.
func SessionKey(leadID string) string {
	return NamespaceSession + ":" + leadID
}

// StatsKey addresses dashboard aggregates for an organization.
func StatsKey(orgID string) string {
	return NamespaceStats + ":" + orgID
}

// SMSKey marks an inbound SMS provider message id as processed.
func SMSKey(messageID string) string {
	return NamespaceSMS + ":" + messageID
}

// LeadKeys lists the exact keys and key prefixes derived from one lead. They
// are invalidated together whenever the lead or anything hanging off it changes.
func LeadKeys(leadID, phone, orgID string) (keys []string, prefixes []string) {
	if phone != "" && orgID != "" {
		keys = append(keys, LeadKey(phone, orgID))
	}
	if leadID != "" {
		keys = append(keys, ContextKey(leadID), SummariesKey(leadID), SessionKey(leadID))
		prefixes = append(prefixes, ConversationsPrefix(leadID))
	}
	return keys, prefixes
}

// namespaceOf returns the entity namespace of key, used as a metrics label.
func namespaceOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "other"
}
