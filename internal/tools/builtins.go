// ABOUTME: Builtin voice tools backed by the cached directory
// ABOUTME: Inventory lookup, appointment booking, lead capture and lead context

package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/2389/switchboard-gateway/internal/directory"
	"github.com/2389/switchboard-gateway/internal/store"
)

// Builtin tool names
const (
	ToolCheckInventory  = "check_inventory"
	ToolBookAppointment = "book_appointment"
	ToolCreateLead      = "create_lead"
	ToolGetLeadContext  = "get_lead_context"
)

const defaultInventoryLimit = 5

// Builtins returns the directory-backed tools.
func Builtins(dir *directory.Directory) []Tool {
	b := &builtinHandlers{dir: dir}
	return []Tool{
		{
			Name:        ToolCheckInventory,
			Description: "Search products and services by name or SKU",
			Handler:     b.CheckInventory,
		},
		{
			Name:        ToolBookAppointment,
			Description: "Book an appointment for the caller",
			Handler:     b.BookAppointment,
		},
		{
			Name:        ToolCreateLead,
			Description: "Record the caller as a lead",
			Handler:     b.CreateLead,
		},
		{
			Name:        ToolGetLeadContext,
			Description: "Fetch the caller's history and upcoming appointments",
			Handler:     b.GetLeadContext,
		},
	}
}

type builtinHandlers struct {
	dir *directory.Directory
}

type inventoryItem struct {
	SKU      string  `json:"sku"`
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	InStock  bool    `json:"inStock"`
	Price    float64 `json:"price"`
}

func (b *builtinHandlers) CheckInventory(ctx context.Context, call Call) (any, error) {
	query := strings.TrimSpace(call.Param("query").String())
	if query == "" {
		return nil, fmt.Errorf("%w: query", ErrMissingParam)
	}
	limit := int(call.Param("limit").Int())
	if limit <= 0 {
		limit = defaultInventoryLimit
	}

	items, err := b.dir.SearchInventory(ctx, call.OrganizationID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("searching inventory: %w", err)
	}

	out := make([]inventoryItem, 0, len(items))
	for _, it := range items {
		out = append(out, inventoryItem{
			SKU:      it.SKU,
			Name:     it.Name,
			Quantity: it.Quantity,
			InStock:  it.Quantity > 0,
			Price:    float64(it.PriceCents) / 100,
		})
	}
	return map[string]any{"items": out, "count": len(out)}, nil
}

func (b *builtinHandlers) BookAppointment(ctx context.Context, call Call) (any, error) {
	leadID := call.LeadID
	if p := call.Param("lead_id"); p.Exists() {
		leadID = p.String()
	}
	if leadID == "" {
		return nil, fmt.Errorf("%w: lead_id", ErrMissingParam)
	}

	raw := call.Param("starts_at").String()
	if raw == "" {
		return nil, fmt.Errorf("%w: starts_at", ErrMissingParam)
	}
	startsAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("starts_at must be RFC3339: %w", err)
	}

	appt := &store.Appointment{
		OrganizationID: call.OrganizationID,
		LeadID:         leadID,
		StartsAt:       startsAt.UTC(),
		Service:        call.Param("service").String(),
		Notes:          call.Param("notes").String(),
	}
	if err := b.dir.BookAppointment(ctx, appt); err != nil {
		return nil, err
	}
	return map[string]any{
		"appointmentId": appt.ID,
		"startsAt":      appt.StartsAt.Format(time.RFC3339),
		"service":       appt.Service,
		"status":        "booked",
	}, nil
}

func (b *builtinHandlers) CreateLead(ctx context.Context, call Call) (any, error) {
	phone := call.Param("phone").String()
	if phone == "" {
		phone = call.Phone
	}
	if phone == "" {
		return nil, fmt.Errorf("%w: phone", ErrMissingParam)
	}
	if call.OrganizationID == "" {
		return nil, fmt.Errorf("%w: organization", ErrMissingParam)
	}

	lead, created, err := b.dir.FindOrCreateLead(ctx, call.OrganizationID, phone)
	if err != nil {
		return nil, err
	}

	changed := false
	if name := call.Param("name").String(); name != "" && name != lead.Name {
		lead.Name = name
		changed = true
	}
	if email := call.Param("email").String(); email != "" && email != lead.Email {
		lead.Email = email
		changed = true
	}
	if notes := call.Param("notes").String(); notes != "" {
		lead.Notes = notes
		changed = true
	}
	if changed {
		if err := b.dir.UpdateLead(ctx, lead); err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"leadId":  lead.ID,
		"created": created,
		"status":  lead.Status,
	}, nil
}

type contextMessage struct {
	Sender  string `json:"sender"`
	Channel string `json:"channel"`
	Body    string `json:"body"`
}

func (b *builtinHandlers) GetLeadContext(ctx context.Context, call Call) (any, error) {
	leadID := call.LeadID
	if p := call.Param("lead_id"); p.Exists() {
		leadID = p.String()
	}
	if leadID == "" {
		return nil, fmt.Errorf("%w: lead_id", ErrMissingParam)
	}

	lc, err := b.dir.ConversationContext(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("loading lead context: %w", err)
	}

	msgs := make([]contextMessage, 0, len(lc.Messages))
	for _, m := range lc.Messages {
		msgs = append(msgs, contextMessage{Sender: m.Sender, Channel: m.Channel, Body: m.Body})
	}
	summaries := make([]string, 0, len(lc.Summaries))
	for _, s := range lc.Summaries {
		summaries = append(summaries, s.Summary)
	}
	upcoming := make([]map[string]string, 0, len(lc.Appointments))
	for _, a := range lc.Appointments {
		upcoming = append(upcoming, map[string]string{
			"startsAt": a.StartsAt.Format(time.RFC3339),
			"service":  a.Service,
		})
	}

	return map[string]any{
		"name":           lc.Lead.Name,
		"status":         lc.Lead.Status,
		"recentMessages": msgs,
		"summaries":      summaries,
		"appointments":   upcoming,
	}, nil
}
