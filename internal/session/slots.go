// Package session tracks consultation state across turns: the slot
// profile the advisor fills in (degree level, country, budget, ...), the
// message history, and per-session metadata. Sessions expire on a TTL and
// persist to disk as JSON so a restart does not lose active
// consultations.
package session

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	apperr "github.com/edupilot/edupilot/internal/errors"
)

// SlotType is the value type of a profile slot.
type SlotType string

const (
	SlotString SlotType = "string"
	SlotInt    SlotType = "int"
	SlotFloat  SlotType = "float"
	SlotEnum   SlotType = "enum"
	SlotDate   SlotType = "date"
)

// SlotValue is a validated, typed slot value. Exactly one of the value
// fields is meaningful, selected by Type.
type SlotValue struct {
	Type  SlotType `json:"type"`
	Text  string   `json:"text,omitempty"`
	Int   int64    `json:"int,omitempty"`
	Float float64  `json:"float,omitempty"`
}

// String renders the value for prompts and logs.
func (v SlotValue) String() string {
	switch v.Type {
	case SlotInt:
		return strconv.FormatInt(v.Int, 10)
	case SlotFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	default:
		return v.Text
	}
}

// SlotDef describes one slot in the catalog.
type SlotDef struct {
	Name string   `json:"name"`
	Type SlotType `json:"type"`
	// Enum lists allowed values for enum slots.
	Enum []string `json:"enum,omitempty"`
	// Min/Max bound numeric slots when non-nil.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
	// Required slots feed the orchestrator's missing-slot hints.
	Required bool `json:"required"`
	// Description is shown to clients listing the catalog.
	Description string `json:"description"`
}

func ptr(f float64) *float64 { return &f }

// catalog is the fixed consultation profile schema.
var catalog = map[string]SlotDef{
	"degree_level": {
		Name: "degree_level", Type: SlotEnum, Required: true,
		Enum:        []string{"bachelor", "master", "phd", "diploma", "language_course"},
		Description: "Degree level the student is applying for",
	},
	"target_country": {
		Name: "target_country", Type: SlotEnum, Required: true,
		Enum:        []string{"us", "uk", "canada", "australia", "germany", "japan", "singapore", "hongkong", "other"},
		Description: "Primary destination country or region",
	},
	"major": {
		Name: "major", Type: SlotString,
		Description: "Intended field of study",
	},
	"budget": {
		Name: "budget", Type: SlotInt, Min: ptr(0),
		Description: "Annual budget in USD",
	},
	"gpa": {
		Name: "gpa", Type: SlotFloat, Min: ptr(0), Max: ptr(5),
		Description: "Grade point average on the student's native scale",
	},
	"intake": {
		Name: "intake", Type: SlotDate,
		Description: "Target intake month, formatted YYYY-MM",
	},
}

// Catalog returns the slot definitions sorted by name.
func Catalog() []SlotDef {
	defs := make([]SlotDef, 0, len(catalog))
	for _, d := range catalog {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// RequiredSlots returns the names of required slots sorted by name.
func RequiredSlots() []string {
	var names []string
	for _, d := range catalog {
		if d.Required {
			names = append(names, d.Name)
		}
	}
	sort.Strings(names)
	return names
}

// ValidateSlot parses and validates a raw value against the catalog. It
// is total: every (name, raw) pair yields either a typed value or a
// validation error, never a panic.
func ValidateSlot(name, raw string) (SlotValue, error) {
	def, ok := catalog[name]
	if !ok {
		return SlotValue{}, apperr.Validation(fmt.Sprintf("unknown slot %q", name))
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SlotValue{}, apperr.Validation(fmt.Sprintf("slot %q: value must not be empty", name))
	}

	switch def.Type {
	case SlotString:
		return SlotValue{Type: SlotString, Text: raw}, nil

	case SlotEnum:
		lowered := strings.ToLower(raw)
		for _, allowed := range def.Enum {
			if lowered == allowed {
				return SlotValue{Type: SlotEnum, Text: allowed}, nil
			}
		}
		return SlotValue{}, apperr.Validation(fmt.Sprintf(
			"slot %q: %q is not one of [%s]", name, raw, strings.Join(def.Enum, ", ")))

	case SlotInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return SlotValue{}, apperr.Validation(fmt.Sprintf("slot %q: %q is not an integer", name, raw))
		}
		if err := checkBounds(def, float64(n)); err != nil {
			return SlotValue{}, err
		}
		return SlotValue{Type: SlotInt, Int: n}, nil

	case SlotFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return SlotValue{}, apperr.Validation(fmt.Sprintf("slot %q: %q is not a number", name, raw))
		}
		if err := checkBounds(def, f); err != nil {
			return SlotValue{}, err
		}
		return SlotValue{Type: SlotFloat, Float: f}, nil

	case SlotDate:
		if _, err := time.Parse("2006-01", raw); err != nil {
			return SlotValue{}, apperr.Validation(fmt.Sprintf("slot %q: %q is not a YYYY-MM date", name, raw))
		}
		return SlotValue{Type: SlotDate, Text: raw}, nil

	default:
		return SlotValue{}, apperr.Internal(fmt.Sprintf("slot %q has unknown type %q", name, def.Type), nil)
	}
}

func checkBounds(def SlotDef, v float64) error {
	if def.Min != nil && v < *def.Min {
		return apperr.Validation(fmt.Sprintf("slot %q: %g is below minimum %g", def.Name, v, *def.Min))
	}
	if def.Max != nil && v > *def.Max {
		return apperr.Validation(fmt.Sprintf("slot %q: %g is above maximum %g", def.Name, v, *def.Max))
	}
	return nil
}

// MissingRequired returns required slots absent from the given profile,
// sorted by name.
func MissingRequired(slots map[string]SlotValue) []string {
	var missing []string
	for _, name := range RequiredSlots() {
		if _, ok := slots[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
