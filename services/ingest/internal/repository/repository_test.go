package repository

import "testing"

func TestSortNormalizeDefaultsToIDDescending(t *testing.T) {
	s := Sort{}.normalize()
	if s.Field != SortByID || !s.Desc {
		t.Fatalf("expected default sort id desc, got %+v", s)
	}
}

func TestPageNormalizeClampsLimit(t *testing.T) {
	p := Page{Limit: 0}.normalize()
	if p.Limit != 20 {
		t.Fatalf("expected default limit 20, got %d", p.Limit)
	}
	p = Page{Limit: 500}.normalize()
	if p.Limit != 20 {
		t.Fatalf("expected out-of-range limit reset to default, got %d", p.Limit)
	}
	p = Page{Skip: -5}.normalize()
	if p.Skip != 0 {
		t.Fatalf("expected negative skip clamped to 0, got %d", p.Skip)
	}
}

func TestValidateTableNameRejectsInjectionAttempt(t *testing.T) {
	if err := validateTableName("signals; DROP TABLE x"); err == nil {
		t.Fatalf("expected error for malformed table name")
	}
}

func TestValidateTableNameAcceptsPlainIdentifier(t *testing.T) {
	if err := validateTableName("xrayiot_signals"); err != nil {
		t.Fatalf("expected valid table name, got %v", err)
	}
}
