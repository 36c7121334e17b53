package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cuongbtq/leadflow/internal/domain"
)

const searchSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["targets"],
  "properties": {
    "targets": {
      "type": "array",
      "minItems": 1,
      "maxItems": 200,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["service", "location"],
        "properties": {
          "service": {"type": "string", "minLength": 1, "maxLength": 200},
          "location": {"type": "string", "minLength": 1, "maxLength": 200}
        }
      }
    },
    "quantity": {"type": "integer", "minimum": 0, "maximum": 10000},
    "priority": {"type": "integer", "minimum": -100, "maximum": 100},
    "max_retries": {"type": "integer", "minimum": 0, "maximum": 10},
    "idempotency_key": {"type": "string", "maxLength": 255}
  }
}`

const outreachSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["lead_id"],
  "properties": {
    "lead_id": {"type": "string", "format": "uuid"},
    "start_step": {"type": "integer", "minimum": 1, "maximum": 7},
    "start_at": {"type": "string", "format": "date-time"},
    "priority": {"type": "integer", "minimum": -100, "maximum": 100},
    "idempotency_key": {"type": "string", "maxLength": 255}
  }
}`

const leadSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 300},
    "owner_name": {"type": "string", "maxLength": 200},
    "email": {"type": "string", "format": "email"},
    "phone": {"type": "string", "maxLength": 50},
    "website": {"type": "string", "maxLength": 500},
    "location": {"type": "string", "maxLength": 200},
    "service": {"type": "string", "maxLength": 200}
  }
}`

var (
	searchRequestSchema   = mustCompile("search.json", searchSchema)
	outreachRequestSchema = mustCompile("outreach.json", outreachSchema)
	leadRequestSchema     = mustCompile("lead.json", leadSchema)
)

// SearchRequest is the body of an enqueue search-collection request
type SearchRequest struct {
	Targets        []domain.Target `json:"targets"`
	Quantity       int             `json:"quantity"`
	Priority       int             `json:"priority"`
	MaxRetries     *int            `json:"max_retries"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// OutreachRequest is the body of an enqueue outreach-sequence request
type OutreachRequest struct {
	LeadID         string     `json:"lead_id"`
	StartStep      int        `json:"start_step"`
	StartAt        *time.Time `json:"start_at"`
	Priority       int        `json:"priority"`
	IdempotencyKey string     `json:"idempotency_key"`
}

// CreateLeadRequest is the body of a manual lead entry
type CreateLeadRequest struct {
	Name      string `json:"name"`
	OwnerName string `json:"owner_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Website   string `json:"website"`
	Location  string `json:"location"`
	Service   string `json:"service"`
}

// DecodeSearchRequest validates and decodes an enqueue search body
func DecodeSearchRequest(data []byte) (SearchRequest, error) {
	var req SearchRequest
	err := decode(searchRequestSchema, data, &req)
	return req, err
}

// DecodeOutreachRequest validates and decodes an enqueue outreach body
func DecodeOutreachRequest(data []byte) (OutreachRequest, error) {
	var req OutreachRequest
	err := decode(outreachRequestSchema, data, &req)
	return req, err
}

// DecodeCreateLeadRequest validates and decodes a manual lead body
func DecodeCreateLeadRequest(data []byte) (CreateLeadRequest, error) {
	var req CreateLeadRequest
	err := decode(leadRequestSchema, data, &req)
	return req, err
}

func decode(schema *jsonschema.Schema, data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return domain.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	if err := schema.Validate(doc); err != nil {
		return toValidationError(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return domain.NewValidationError("body", err.Error())
	}
	return nil
}

func toValidationError(err error) error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return domain.NewValidationError("body", err.Error())
	}
	out := &domain.ValidationError{}
	collectLeaves(verr, out)
	if len(out.Fields) == 0 {
		out.Add("body", verr.Message)
	}
	return out
}

// collectLeaves keeps the innermost causes, which name the offending field
func collectLeaves(e *jsonschema.ValidationError, out *domain.ValidationError) {
	if len(e.Causes) == 0 {
		out.Add(fieldName(e.InstanceLocation), e.Message)
		return
	}
	for _, c := range e.Causes {
		collectLeaves(c, out)
	}
}

// fieldName turns a JSON pointer such as /targets/0/service into targets[0].service
func fieldName(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return "body"
	}
	var b strings.Builder
	for i, part := range strings.Split(pointer, "/") {
		if _, err := strconv.Atoi(part); err == nil {
			fmt.Fprintf(&b, "[%s]", part)
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

func mustCompile(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.AssertFormat = true
	if err := c.AddResource(name, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}
