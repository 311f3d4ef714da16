package pipeline

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Canonical field names the normalizer maps extractor output onto. The alias
// table can grow without touching ingestion: unknown keys land in the custom
// bucket instead of being dropped.
const (
	FieldOwnerName    = "owner_name"
	FieldAddress      = "address"
	FieldParcelID     = "parcel_id"
	FieldAreaHectares = "area_hectares"
	FieldCropType     = "crop_type"
	FieldPhone        = "phone"
	FieldEmail        = "email"
	FieldRegisteredAt = "registered_at"
)

// AliasTable maps normalized extractor field names to canonical field names.
type AliasTable map[string]string

// DefaultAliases covers the field name variants the known extraction engines
// emit today. Keys must already be in normalized form (lower case, underscore
// separators).
var DefaultAliases = AliasTable{
	"owner_name":     FieldOwnerName,
	"owner":          FieldOwnerName,
	"proprietor":     FieldOwnerName,
	"applicant_name": FieldOwnerName,
	"farmer_name":    FieldOwnerName,
	"exploitant":     FieldOwnerName,

	"address":        FieldAddress,
	"postal_address": FieldAddress,
	"adresse":        FieldAddress,
	"location":       FieldAddress,

	"parcel_id":     FieldParcelID,
	"parcel":        FieldParcelID,
	"parcel_number": FieldParcelID,
	"lot_number":    FieldParcelID,

	"area_hectares": FieldAreaHectares,
	"area":          FieldAreaHectares,
	"surface":       FieldAreaHectares,
	"surface_ha":    FieldAreaHectares,

	"crop_type": FieldCropType,
	"crop":      FieldCropType,
	"culture":   FieldCropType,

	"phone":          FieldPhone,
	"phone_number":   FieldPhone,
	"telephone":      FieldPhone,
	"contact_number": FieldPhone,

	"email":         FieldEmail,
	"email_address": FieldEmail,
	"mail":          FieldEmail,

	"registered_at":       FieldRegisteredAt,
	"registration_date":   FieldRegisteredAt,
	"date_enregistrement": FieldRegisteredAt,
}

// CustomFieldPrefix marks normalized-but-unmapped fields on the canonical
// record so they stay visible for alias-table review instead of vanishing.
const CustomFieldPrefix = "custom_"

var (
	separatorPattern = regexp.MustCompile(`[^a-z0-9]+`)
	edgeUnderscores  = regexp.MustCompile(`^_+|_+$`)
)

// NormalizeKey lower-cases a raw extractor field name and collapses every run
// of non-alphanumeric separators into a single underscore.
func NormalizeKey(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = separatorPattern.ReplaceAllString(key, "_")
	key = edgeUnderscores.ReplaceAllString(key, "")
	return key
}

// Normalize maps heterogeneous extractor output onto the canonical schema.
// It returns the canonical fields plus the unmapped leftovers keyed by their
// custom_<normalized> name. Null and empty values are dropped before mapping
// so absence never masquerades as a mapped empty canonical field.
func Normalize(rawFields map[string]any, aliases AliasTable) (canonical, unmapped map[string]any) {
	if aliases == nil {
		aliases = DefaultAliases
	}
	canonical = make(map[string]any)
	unmapped = make(map[string]any)

	for raw, value := range rawFields {
		if isEmptyValue(value) {
			continue
		}
		key := NormalizeKey(raw)
		if key == "" {
			continue
		}
		if name, ok := aliases[key]; ok {
			canonical[name] = value
			continue
		}
		unmapped[CustomFieldPrefix+key] = value
	}
	return canonical, unmapped
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}

// FieldLabel formats a canonical field name for display in status metadata
// and the admin panel, e.g. "owner_name" -> "Owner Name".
func FieldLabel(field string) string {
	caser := cases.Title(language.English)
	words := strings.Split(strings.TrimPrefix(field, CustomFieldPrefix), "_")
	for i, w := range words {
		words[i] = caser.String(w)
	}
	return strings.Join(words, " ")
}
