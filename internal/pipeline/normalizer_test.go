package pipeline

import (
	"reflect"
	"testing"
)

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"Owner Name", "owner_name"},
		{"  Applicant-Name  ", "applicant_name"},
		{"TELEPHONE (MOBILE)", "telephone_mobile"},
		{"surface.ha", "surface_ha"},
		{"__weird__", "weird"},
		{"---", ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := NormalizeKey(tt.raw); got != tt.want {
				t.Errorf("NormalizeKey(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalize_AliasMapping(t *testing.T) {
	raw := map[string]any{
		"Proprietor":     "Jean Dupont",
		"Postal-Address": "12 Rue Verte",
		"Surface HA":     4.5,
	}

	canonical, unmapped := Normalize(raw, nil)

	want := map[string]any{
		FieldOwnerName:    "Jean Dupont",
		FieldAddress:      "12 Rue Verte",
		FieldAreaHectares: 4.5,
	}
	if !reflect.DeepEqual(canonical, want) {
		t.Errorf("canonical = %v, want %v", canonical, want)
	}
	if len(unmapped) != 0 {
		t.Errorf("expected no unmapped fields, got %v", unmapped)
	}
}

func TestNormalize_UnmappedFieldsPreserved(t *testing.T) {
	raw := map[string]any{
		"telephone_mobile": "+33 6 12 34 56 78",
		"owner":            "Jean Dupont",
	}

	canonical, unmapped := Normalize(raw, nil)

	if canonical[FieldOwnerName] != "Jean Dupont" {
		t.Errorf("owner_name not mapped: %v", canonical)
	}
	got, ok := unmapped["custom_telephone_mobile"]
	if !ok {
		t.Fatalf("unmapped field was dropped, unmapped = %v", unmapped)
	}
	if got != "+33 6 12 34 56 78" {
		t.Errorf("unmapped value = %v", got)
	}
}

func TestNormalize_EmptyValuesDropped(t *testing.T) {
	raw := map[string]any{
		"owner":   "",
		"address": "   ",
		"crop":    nil,
		"parcel":  "A-17",
	}

	canonical, unmapped := Normalize(raw, nil)

	if len(unmapped) != 0 {
		t.Errorf("expected no unmapped fields, got %v", unmapped)
	}
	if len(canonical) != 1 || canonical[FieldParcelID] != "A-17" {
		t.Errorf("expected only parcel_id, got %v", canonical)
	}
}

func TestNormalize_CustomAliasTable(t *testing.T) {
	aliases := AliasTable{"sujet": "subject"}

	canonical, _ := Normalize(map[string]any{"Sujet": "demande"}, aliases)

	if canonical["subject"] != "demande" {
		t.Errorf("custom alias table not honored: %v", canonical)
	}
}

func TestFieldLabel(t *testing.T) {
	tests := []struct {
		field string
		want  string
	}{
		{FieldOwnerName, "Owner Name"},
		{FieldAreaHectares, "Area Hectares"},
		{"custom_telephone_mobile", "Telephone Mobile"},
	}

	for _, tt := range tests {
		if got := FieldLabel(tt.field); got != tt.want {
			t.Errorf("FieldLabel(%q) = %q, want %q", tt.field, got, tt.want)
		}
	}
}
