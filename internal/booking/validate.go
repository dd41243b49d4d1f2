package booking

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wolfman30/trip-checkout/internal/catalog"
)

const msgRequired = "This field is required"

// FieldRule is one entry of an externally configured form schema.
type FieldRule struct {
	ID       string
	Label    string
	Required bool
	Options  []string
}

// FieldSchema describes an open-keyed set of form fields.
type FieldSchema []FieldRule

// DefaultBuyerSchema covers the standard buyer fields that are always required.
var DefaultBuyerSchema = FieldSchema{
	{ID: "first_name", Label: "First Name", Required: true},
	{ID: "last_name", Label: "Last Name", Required: true},
	{ID: "email", Label: "Email", Required: true},
}

// SchemaFromQuestions converts catalog participant questions to a schema.
func SchemaFromQuestions(questions []catalog.Question) FieldSchema {
	schema := make(FieldSchema, 0, len(questions))
	for _, q := range questions {
		schema = append(schema, FieldRule{ID: q.ID, Label: q.Label, Required: q.Required, Options: q.Options})
	}
	return schema
}

// SchemaFromFields converts catalog buyer custom fields to a schema.
func SchemaFromFields(fields []catalog.Field) FieldSchema {
	schema := make(FieldSchema, 0, len(fields))
	for _, f := range fields {
		schema = append(schema, FieldRule{ID: f.ID, Label: f.Label, Required: f.Required})
	}
	return schema
}

// ValidationErrors maps a field path to its message.
type ValidationErrors map[string]string

func (v ValidationErrors) Error() string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, v[k]))
	}
	return "booking: invalid fields: " + strings.Join(parts, "; ")
}

// Err returns v as an error, or nil when empty.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// ValidateCustomFields checks values against schema. Keys in the result are
// prefixed with prefix.
func ValidateCustomFields(schema FieldSchema, values map[string]string, prefix string) ValidationErrors {
	errs := ValidationErrors{}
	for _, rule := range schema {
		v := strings.TrimSpace(values[rule.ID])
		if v == "" {
			if rule.Required {
				errs[prefix+rule.ID] = msgRequired
			}
			continue
		}
		if len(rule.Options) > 0 && !contains(rule.Options, v) {
			errs[prefix+rule.ID] = "Please choose one of the listed options"
		}
	}
	return errs
}

// ValidateBuyer checks the step 1 form.
func ValidateBuyer(info BuyerInfo, customFields FieldSchema) ValidationErrors {
	errs := ValidateCustomFields(DefaultBuyerSchema, info.Fields, "buyer_info.")
	for k, v := range ValidateCustomFields(customFields, info.CustomInfo, "buyer_info.custom_info.") {
		errs[k] = v
	}
	return errs
}

// ValidateParticipants checks the step 4 forms: names and email of every
// participant plus their required question answers.
func ValidateParticipants(participants []Participant, questions FieldSchema) ValidationErrors {
	errs := ValidationErrors{}
	for i, p := range participants {
		prefix := fmt.Sprintf("participants[%d].", i)
		standard := map[string]string{"first_name": p.FirstName, "last_name": p.LastName, "email": p.Email}
		for k, v := range ValidateCustomFields(DefaultBuyerSchema, standard, prefix) {
			errs[k] = v
		}
		answers := make(map[string]string, len(p.CustomAnswers))
		for id, a := range p.CustomAnswers {
			answers[id] = a.Value
		}
		for k, v := range ValidateCustomFields(questions, answers, prefix+"custom_answers.") {
			errs[k] = v
		}
	}
	return errs
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
