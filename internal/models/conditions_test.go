package models

import "testing"

func TestSentinelOf(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"documento_recebido", ConditionDocumentReceived, true},
		{"Documento_Valido", ConditionDocumentValid, true},
		{"  JÁ_FEZ ", ConditionAlreadyDone, true},
		{"ainda_nao_fez", ConditionNotDoneYet, true},
		{"timeout", ConditionTimeout, true},
		{"Sempre", "", false},
		{"sim", "", false},
	}

	for _, tt := range tests {
		got, ok := SentinelOf(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("SentinelOf(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestIsAlways(t *testing.T) {
	for _, c := range []string{"Sempre", "sempre", " SEMPRE "} {
		if !IsAlways(c) {
			t.Errorf("IsAlways(%q) = false, want true", c)
		}
	}
	if IsAlways("sim") {
		t.Error("IsAlways(\"sim\") = true, want false")
	}
}

func TestFold(t *testing.T) {
	if got := Fold("Não"); got != "nao" {
		t.Errorf("Fold(\"Não\") = %q, want \"nao\"", got)
	}
}
