package crm

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/BTreeMap/LeadFlow/internal/store"
)

func TestUpdateFieldAppliedOncePerKey(t *testing.T) {
	st := store.NewInMemoryStore()
	a := NewAdapter(st)
	ctx := context.Background()
	if err := a.SaveLead(ctx, &models.Lead{ID: "lead_1", Phone: "+55 11 99999-0000"}); err != nil {
		t.Fatalf("SaveLead() error = %v", err)
	}

	applied, err := a.UpdateField(ctx, "conv_1:3:0", "lead_1", "cidade", "Recife")
	if err != nil || !applied {
		t.Fatalf("UpdateField() = %v, %v", applied, err)
	}
	// A replay with a different value must not overwrite the first write.
	applied, err = a.UpdateField(ctx, "conv_1:3:0", "lead_1", "cidade", "Olinda")
	if err != nil || applied {
		t.Fatalf("replayed UpdateField() = %v, %v", applied, err)
	}

	lead, err := a.Lead(ctx, "lead_1")
	if err != nil {
		t.Fatalf("Lead() error = %v", err)
	}
	if lead.Fields["cidade"] != "Recife" {
		t.Errorf("cidade = %q, want Recife", lead.Fields["cidade"])
	}
}

func TestUpdateFieldValidation(t *testing.T) {
	a := NewAdapter(store.NewInMemoryStore())
	ctx := context.Background()
	if _, err := a.UpdateField(ctx, "k", "lead_1", "  ", "x"); !errors.Is(err, ErrEmptyField) {
		t.Errorf("expected ErrEmptyField, got %v", err)
	}
	if _, err := a.UpdateField(ctx, "k", "", "cidade", "x"); !errors.Is(err, models.ErrEmptyLeadID) {
		t.Errorf("expected ErrEmptyLeadID, got %v", err)
	}
	if _, err := a.UpdateField(ctx, "", "lead_1", "cidade", "x"); err == nil {
		t.Error("expected error for empty effect key")
	}
}

func TestMoveStage(t *testing.T) {
	st := store.NewInMemoryStore()
	a := NewAdapter(st)
	ctx := context.Background()
	a.SaveLead(ctx, &models.Lead{ID: "lead_1", Phone: "5511999990000"})

	if _, err := a.MoveStage(ctx, "k1", "lead_1", "", ""); err == nil {
		t.Error("expected error for empty funnel and stage")
	}
	applied, err := a.MoveStage(ctx, "k1", "lead_1", "vendas", "qualificado")
	if err != nil || !applied {
		t.Fatalf("MoveStage() = %v, %v", applied, err)
	}
	applied, _ = a.MoveStage(ctx, "k1", "lead_1", "vendas", "perdido")
	if applied {
		t.Error("replayed move should not apply")
	}
	lead, _ := a.Lead(ctx, "lead_1")
	if lead.FunnelID != "vendas" || lead.StageID != "qualificado" {
		t.Errorf("lead at %s/%s, want vendas/qualificado", lead.FunnelID, lead.StageID)
	}
}

func TestRegister(t *testing.T) {
	st := store.NewInMemoryStore()
	a := NewAdapter(st)
	ctx := context.Background()

	first, err := a.Register(ctx, "+55 (11) 99999-0000", "")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if first.Phone != "5511999990000" || first.ID == "" {
		t.Errorf("unexpected lead: %+v", first)
	}
	if first.CreatedAt.IsZero() || first.Fields == nil {
		t.Errorf("lead not stamped: %+v", first)
	}

	again, err := a.Register(ctx, "5511999990000", "Ana")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("same phone registered twice: %s != %s", again.ID, first.ID)
	}
	if again.Name != "Ana" {
		t.Errorf("name not filled in: %q", again.Name)
	}

	byPhone, err := a.GetLeadByPhone(ctx, "+55 11 99999 0000")
	if err != nil || byPhone.ID != first.ID {
		t.Errorf("GetLeadByPhone() = %+v, %v", byPhone, err)
	}

	if _, err := a.Register(ctx, "sem número", "X"); !errors.Is(err, models.ErrEmptyPhone) {
		t.Errorf("expected ErrEmptyPhone, got %v", err)
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"+55 (11) 99999-0000":     "5511999990000",
		"whatsapp:+5511999990000": "5511999990000",
		"":                        "",
	}
	for in, want := range tests {
		if got := NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}
