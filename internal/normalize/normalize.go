// Package normalize maps partner-specific payloads onto the canonical
// listing schema using a declarative per-partner field mapping.
//
// Normalization is a pure function over (record, mapping). Per-field
// failures are collected as diagnostics rather than aborting the record;
// the caller decides routing based on whether required fields survived.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cararth/syndicate/internal/ingest"
	"github.com/cararth/syndicate/internal/store"
	"github.com/cararth/syndicate/vin"
)

// Canonical field names a mapping may target.
const (
	FieldVIN          = "vin"
	FieldRegistration = "registration_number"
	FieldMake         = "make"
	FieldModel        = "model"
	FieldYear         = "year"
	FieldPrice        = "price"
	FieldMileage      = "mileage"
	FieldCity         = "city"
	FieldState        = "state"
	FieldFuelType     = "fuel_type"
	FieldTransmission = "transmission"
	FieldImages       = "images"
	FieldDocuments    = "documents"
	FieldSellerID     = "seller_id"
	FieldListingID    = "source_listing_id"
)

// requiredFields must survive normalization for a record to proceed.
// VIN and registration are alternates: one of the two suffices.
var requiredFields = []string{FieldPrice, FieldMake, FieldModel}

// Rule maps one partner field onto a canonical field, optionally through
// a named transform. Transforms are a fixed built-in set; partner-supplied
// logic is never evaluated.
type Rule struct {
	To        string `json:"to"`
	Transform string `json:"transform,omitempty"`
}

// Mapping is the per-partner field mapping: partner field name -> rule.
type Mapping map[string]Rule

// ParseMapping decodes a PartnerSource.FieldMapping JSON document.
// Both the long form {"to":...,"transform":...} and the shorthand
// "partnerField": "canonicalField" are accepted.
func ParseMapping(raw string) (Mapping, error) {
	if raw == "" || raw == "{}" {
		return nil, fmt.Errorf("field mapping is empty")
	}
	var long map[string]Rule
	if err := json.Unmarshal([]byte(raw), &long); err == nil {
		return Mapping(long), nil
	}
	var short map[string]string
	if err := json.Unmarshal([]byte(raw), &short); err != nil {
		return nil, fmt.Errorf("parse field mapping: %w", err)
	}
	m := make(Mapping, len(short))
	for k, v := range short {
		m[k] = Rule{To: v}
	}
	return m, nil
}

// FieldError is a per-field normalization diagnostic.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// Result carries the outcome of normalizing one raw record.
type Result struct {
	Listing  *store.Listing
	Errors   []FieldError // required-field failures; non-empty means reject
	Warnings []FieldError // optional-field failures; listing still proceeds
}

// Rejected reports whether the record must be routed to the rejection sink.
func (r *Result) Rejected() bool { return len(r.Errors) > 0 }

// Normalize maps a raw record onto the canonical listing shape.
// The returned listing carries no ID; the pipeline assigns one on admit.
func Normalize(rec ingest.RawRecord, mapping Mapping) *Result {
	res := &Result{Listing: &store.Listing{
		SourceID:     rec.SourceID,
		NormalizedAt: rec.ReceivedAt,
	}}

	fields := map[string]any{}
	if err := json.Unmarshal(rec.Payload, &fields); err != nil {
		res.Errors = append(res.Errors, FieldError{Field: "payload", Message: "payload is not a JSON object"})
		return res
	}

	seen := map[string]bool{}
	for partnerField, rule := range mapping {
		raw, ok := fields[partnerField]
		if !ok || raw == nil {
			continue
		}
		val, err := applyTransform(raw, rule.Transform)
		if err != nil {
			res.addFieldError(rule.To, err.Error())
			continue
		}
		if err := assign(res.Listing, rule.To, val); err != nil {
			res.addFieldError(rule.To, err.Error())
			continue
		}
		seen[rule.To] = true
	}

	// VIN / registration: at least one identifier is required, and whatever
	// arrived must be format-valid. Checksum failures are a risk concern,
	// not a normalization error.
	id := res.Listing.VIN
	if id == "" {
		id = res.Listing.Registration
	}
	if id == "" {
		res.Errors = append(res.Errors, FieldError{Field: FieldVIN, Message: "required field missing"})
	}

	for _, f := range requiredFields {
		if !seen[f] || missingValue(res.Listing, f) {
			res.addFieldError(f, "required field missing")
		}
	}

	return res
}

// addFieldError routes the diagnostic to Errors for required fields,
// Warnings otherwise.
func (r *Result) addFieldError(field, msg string) {
	fe := FieldError{Field: field, Message: msg}
	if isRequired(field) {
		for _, existing := range r.Errors {
			if existing.Field == field {
				return
			}
		}
		r.Errors = append(r.Errors, fe)
		return
	}
	r.Warnings = append(r.Warnings, fe)
}

func isRequired(field string) bool {
	if field == FieldVIN || field == FieldRegistration {
		return true
	}
	for _, f := range requiredFields {
		if f == field {
			return true
		}
	}
	return false
}

func missingValue(l *store.Listing, field string) bool {
	switch field {
	case FieldPrice:
		return l.Price <= 0
	case FieldMake:
		return l.Make == ""
	case FieldModel:
		return l.Model == ""
	}
	return false
}

// assign writes a transformed value onto the canonical listing field.
func assign(l *store.Listing, field string, val any) error {
	switch field {
	case FieldVIN:
		s, err := asString(val)
		if err != nil {
			return err
		}
		n := vin.Normalize(s)
		if n == "" {
			return nil
		}
		if vin.IsFullVIN(n) {
			l.VIN = n
		} else {
			l.Registration = n
		}
	case FieldRegistration:
		s, err := asString(val)
		if err != nil {
			return err
		}
		l.Registration = vin.Normalize(s)
	case FieldMake:
		s, err := asString(val)
		if err != nil {
			return err
		}
		l.Make = strings.ToLower(strings.TrimSpace(s))
	case FieldModel:
		s, err := asString(val)
		if err != nil {
			return err
		}
		l.Model = strings.ToLower(strings.TrimSpace(s))
	case FieldYear:
		n, err := asInt(val)
		if err != nil {
			return err
		}
		l.Year = int(n)
	case FieldPrice:
		n, err := asInt(val)
		if err != nil {
			return err
		}
		if n <= 0 {
			return fmt.Errorf("price must be positive")
		}
		l.Price = n
	case FieldMileage:
		n, err := asInt(val)
		if err != nil {
			return err
		}
		l.Mileage = n
	case FieldCity:
		s, err := asString(val)
		if err != nil {
			return err
		}
		l.City = strings.ToLower(strings.TrimSpace(s))
	case FieldState:
		s, err := asString(val)
		if err != nil {
			return err
		}
		l.State = strings.ToLower(strings.TrimSpace(s))
	case FieldFuelType:
		s, err := asString(val)
		if err != nil {
			return err
		}
		l.FuelType = s
	case FieldTransmission:
		s, err := asString(val)
		if err != nil {
			return err
		}
		l.Transmission = s
	case FieldImages:
		list, err := asStringList(val)
		if err != nil {
			return err
		}
		l.Images = list
	case FieldDocuments:
		list, err := asStringList(val)
		if err != nil {
			return err
		}
		l.Documents = list
	case FieldSellerID:
		s, err := asString(val)
		if err != nil {
			return err
		}
		l.SellerID = s
	case FieldListingID:
		s, err := asString(val)
		if err != nil {
			return err
		}
		l.SourceListingID = s
	default:
		return fmt.Errorf("unknown canonical field %q", field)
	}
	return nil
}
