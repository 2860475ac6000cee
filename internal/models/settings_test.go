package models

import (
	"testing"
	"time"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings("hh-1")

	if s.TaxEntityID != "hh-1" {
		t.Errorf("Expected entity hh-1, got %s", s.TaxEntityID)
	}
	if !s.RequireApproval {
		t.Error("Expected approval to be required by default")
	}
	if s.LotMethod != LotMethodFIFO {
		t.Errorf("Expected FIFO lot method, got %s", s.LotMethod)
	}
	if s.OpportunityTTL() != 48*time.Hour {
		t.Errorf("Expected 48h TTL, got %s", s.OpportunityTTL())
	}
	if s.AutoApproves() {
		t.Error("Expected defaults to not auto-approve")
	}
}

func TestHarvestingSettings_IsExcluded(t *testing.T) {
	s := DefaultSettings("hh-1")
	s.ExcludedSymbols = []string{"TSLA", "brk.b"}

	tests := []struct {
		symbol   string
		expected bool
	}{
		{"TSLA", true},
		{"BRK.B", true},
		{"AAPL", false},
	}

	for _, tt := range tests {
		if s.IsExcluded(tt.symbol) != tt.expected {
			t.Errorf("IsExcluded(%s): expected %v", tt.symbol, tt.expected)
		}
	}
}
