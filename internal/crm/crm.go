// Package crm applies conversation effects to lead records and keeps the
// lead directory used to address conversations.
package crm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/BTreeMap/LeadFlow/internal/store"
	"github.com/BTreeMap/LeadFlow/internal/util"
)

// ErrEmptyField is returned for field updates without a field name.
var ErrEmptyField = errors.New("lead field name cannot be empty")

var nonDigits = regexp.MustCompile(`[^0-9]`)

// Adapter writes lead changes through a Store. Field updates and funnel moves
// carry the effect key that produced them and are applied at most once per key.
type Adapter struct {
	store store.Store
	now   func() time.Time
}

// NewAdapter creates an Adapter backed by st.
func NewAdapter(st store.Store) *Adapter {
	return &Adapter{store: st, now: time.Now}
}

// UpdateField sets one CRM field of a lead. It reports whether the change was
// applied by this call; a repeated key is a no-op.
func (a *Adapter) UpdateField(ctx context.Context, key, leadID, field, value string) (bool, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return false, ErrEmptyField
	}
	if leadID == "" {
		return false, models.ErrEmptyLeadID
	}
	applied, err := a.store.ApplyLeadChange(ctx, store.LeadChange{Key: key, LeadID: leadID, Field: field, Value: value})
	if err != nil {
		return false, fmt.Errorf("update lead %s field %s: %w", leadID, field, err)
	}
	if applied {
		slog.Debug("Adapter.UpdateField: field updated", "leadID", leadID, "field", field)
	} else {
		slog.Debug("Adapter.UpdateField: already applied", "leadID", leadID, "key", key)
	}
	return applied, nil
}

// MoveStage moves a lead to a funnel stage, at most once per key.
func (a *Adapter) MoveStage(ctx context.Context, key, leadID, funnelID, stageID string) (bool, error) {
	if leadID == "" {
		return false, models.ErrEmptyLeadID
	}
	if funnelID == "" && stageID == "" {
		return false, fmt.Errorf("move lead %s: funnel and stage are empty", leadID)
	}
	applied, err := a.store.ApplyLeadChange(ctx, store.LeadChange{Key: key, LeadID: leadID, FunnelID: funnelID, StageID: stageID})
	if err != nil {
		return false, fmt.Errorf("move lead %s: %w", leadID, err)
	}
	if applied {
		slog.Info("Adapter.MoveStage: lead moved", "leadID", leadID, "funnelID", funnelID, "stageID", stageID)
	}
	return applied, nil
}

// Lead returns a lead by id.
func (a *Adapter) Lead(ctx context.Context, id string) (*models.Lead, error) {
	return a.store.GetLead(ctx, id)
}

// GetLeadByPhone finds a lead by phone number in any format.
func (a *Adapter) GetLeadByPhone(ctx context.Context, phone string) (*models.Lead, error) {
	return a.store.GetLeadByPhone(ctx, NormalizePhone(phone))
}

// SaveLead validates and stores a lead, normalising its phone number and
// stamping its timestamps.
func (a *Adapter) SaveLead(ctx context.Context, lead *models.Lead) error {
	lead.Phone = NormalizePhone(lead.Phone)
	if err := lead.Validate(); err != nil {
		return err
	}
	now := a.now()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	lead.UpdatedAt = now
	if lead.Fields == nil {
		lead.Fields = map[string]string{}
	}
	return a.store.SaveLead(ctx, lead)
}

// Register returns the lead with phone, creating it when unknown. An empty
// name on an existing lead is filled in.
func (a *Adapter) Register(ctx context.Context, phone, name string) (*models.Lead, error) {
	normalized := NormalizePhone(phone)
	if normalized == "" {
		return nil, models.ErrEmptyPhone
	}
	lead, err := a.store.GetLeadByPhone(ctx, normalized)
	switch {
	case err == nil:
		if lead.Name == "" && name != "" {
			lead.Name = name
			if err := a.SaveLead(ctx, lead); err != nil {
				return nil, err
			}
		}
		return lead, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("lookup lead: %w", err)
	}

	lead = &models.Lead{ID: util.GenerateLeadID(), Phone: normalized, Name: name}
	if err := a.SaveLead(ctx, lead); err != nil {
		return nil, err
	}
	slog.Info("Adapter.Register: lead created", "leadID", lead.ID)
	return lead, nil
}

// NormalizePhone keeps only the digits of a phone number.
func NormalizePhone(phone string) string {
	return nonDigits.ReplaceAllString(phone, "")
}
