package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/orca/pkg/schema"
)

// SchemaValidator checks the whole row list against a JSON Schema (draft
// 2020-12). "items" constrains each row; "minItems" and "maxItems" constrain
// how many came back.
type SchemaValidator struct {
	source string
	rules  *jsonschema.Schema
}

var rowSchemaIDs atomic.Int64

// NewSchemaValidator compiles raw. An invalid schema is VALIDATION_ERROR.
func NewSchemaValidator(raw []byte) (*SchemaValidator, error) {
	rules, err := compileRowSchema(raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid row schema").WithCause(err)
	}
	return &SchemaValidator{source: string(raw), rules: rules}, nil
}

func compileRowSchema(raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	loc := "orca://rows/" + strconv.FormatInt(rowSchemaIDs.Add(1), 10) + ".json"
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(loc, doc); err != nil {
		return nil, err
	}
	return c.Compile(loc)
}

func (v *SchemaValidator) Validate(_ context.Context, rows []map[string]any) error {
	doc, err := jsonDocument(rows)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "rows are not JSON-encodable").WithCause(err)
	}
	err = v.rules.Validate(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidationRejected, err.Error()).WithCause(err)
	}
	found := leafViolations(verr, nil)
	if len(found) == 0 {
		found = []string{verr.Error()}
	}
	msg := found[0]
	if len(found) > 1 {
		msg = "rows violate schema: " + strings.Join(found, "; ")
	}
	return schema.NewError(schema.ErrCodeValidationRejected, msg).
		WithDetails(map[string]any{"violations": found})
}

func (v *SchemaValidator) String() string { return "schema:" + v.source }

// jsonDocument re-decodes rows with the library's decoder so numbers arrive
// as json.Number. A nil row list is an empty array.
func jsonDocument(rows []map[string]any) (any, error) {
	if rows == nil {
		rows = []map[string]any{}
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// leafViolations flattens the cause tree into "/row/field: message" lines.
func leafViolations(verr *jsonschema.ValidationError, acc []string) []string {
	if len(verr.Causes) > 0 {
		for _, c := range verr.Causes {
			acc = leafViolations(c, acc)
		}
		return acc
	}
	return append(acc, "/"+strings.Join(verr.InstanceLocation, "/")+": "+verr.Error())
}
