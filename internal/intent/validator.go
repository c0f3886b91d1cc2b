package intent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// maxFieldErrors bounds the structured errors returned for one submission.
const maxFieldErrors = 5

// intentSchema is the Draft-07 schema for external intent submissions.
const intentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Governance Intent (External)",
  "type": "object",
  "required": ["intent", "source"],
  "properties": {
    "intent": {
      "type": "string",
      "enum": [
        "inspect_repo",
        "summarise_logs",
        "analyze_code",
        "plan_action",
        "apply_patch",
        "block_purchase",
        "verify_account",
        "require_mfa",
        "flag_for_review",
        "allow"
      ]
    },
    "source": {
      "type": "string",
      "minLength": 1
    },
    "target": {
      "type": "string"
    },
    "context": {
      "oneOf": [{"type": "string"}, {"type": "object"}]
    },
    "patch_content": {
      "type": "string"
    },
    "confidence": {
      "type": "number",
      "minimum": 0.0,
      "maximum": 1.0
    },
    "mode": {
      "type": "string",
      "enum": ["reason-only", "simulate", "propose"]
    },
    "notes": {
      "type": "string"
    },
    "phases": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["phase_id", "description"],
        "properties": {
          "phase_id": {"type": "string"},
          "description": {"type": "string"},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "tasks": {"type": "array", "items": {"type": "string"}}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

// Validator checks raw submissions against the intent schema and, on
// success, wraps them with queue metadata.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the intent schema.
func NewValidator() (*Validator, error) {
	sch, err := jsonschema.CompileString("intent.schema.json", intentSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to compile intent schema: %w", err)
	}
	return &Validator{schema: sch}, nil
}

// Validate parses and validates a raw intent. On schema failure it returns
// up to 5 field errors and a nil Intent; nothing is queued by this method.
func (v *Validator) Validate(raw []byte) (*Intent, []FieldError) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, []FieldError{{
			Field:      "$",
			Message:    err.Error(),
			Constraint: "json_parse_error",
		}}
	}

	if err := v.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			return nil, collectFieldErrors(ve)
		}
		return nil, []FieldError{{Field: "$", Message: err.Error(), Constraint: "schema_validation_failed"}}
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, []FieldError{{Field: "$", Message: err.Error(), Constraint: "json_parse_error"}}
	}
	applyDefaults(&payload, doc)

	return &Intent{
		IntentID:    uuid.NewString(),
		Source:      payload.Source,
		Payload:     payload,
		ArrivalTime: time.Now().UTC(),
		Status:      StatusPending,
	}, nil
}

// applyDefaults fills schema defaults the decoder cannot: confidence 0.5 and
// mode "propose" when the fields are absent from the submission.
func applyDefaults(p *Payload, doc any) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return
	}
	if _, present := obj["confidence"]; !present {
		p.Confidence = 0.5
	}
	if _, present := obj["mode"]; !present {
		p.Mode = ModePropose
	}
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// collectFieldErrors flattens leaf causes into structured field errors.
func collectFieldErrors(ve *jsonschema.ValidationError) []FieldError {
	var out []FieldError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(out) >= maxFieldErrors {
			return
		}
		if len(e.Causes) == 0 {
			field := e.InstanceLocation
			if field == "" {
				field = "$"
			}
			out = append(out, FieldError{
				Field:      field,
				Message:    e.Message,
				Constraint: e.KeywordLocation,
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
