package plugin

import (
	"encoding/json"
	"fmt"
	"strconv"

	validator "github.com/google/jsonschema-go/jsonschema"
	"github.com/invopop/jsonschema"

	"github.com/giantswarm/mcp-auth/apierror"
)

// inputValidator enforces a reflected input schema on request bodies.
type inputValidator struct {
	schema   *jsonschema.Schema
	resolved *validator.Resolved
}

// newInputValidator compiles s for validation.
func newInputValidator(s *jsonschema.Schema) (*inputValidator, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode input schema: %w", err)
	}
	var compiled validator.Schema
	if err := json.Unmarshal(raw, &compiled); err != nil {
		return nil, fmt.Errorf("decode input schema: %w", err)
	}
	// Reflected ids are package URLs and only clutter error messages.
	compiled.ID = ""
	resolved, err := compiled.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve input schema: %w", err)
	}
	return &inputValidator{schema: s, resolved: resolved}, nil
}

// validate checks input against the schema. Form bodies only carry
// strings, so with form set values are first converted to the declared
// scalar type where they parse as one.
func (v *inputValidator) validate(input map[string]any, form bool) *apierror.Error {
	if v == nil {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}
	if form {
		input = v.coerceForm(input)
	}
	if err := v.resolved.Validate(input); err != nil {
		return apierror.BadRequest(apierror.CodeValidation, "invalid request body: "+err.Error()).WithCause(err)
	}
	return nil
}

func (v *inputValidator) coerceForm(input map[string]any) map[string]any {
	if v.schema.Properties == nil {
		return input
	}
	out := make(map[string]any, len(input))
	for k, val := range input {
		out[k] = val
	}
	for pair := v.schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		s, ok := out[pair.Key].(string)
		if !ok || pair.Value == nil {
			continue
		}
		if converted, ok := parseScalar(pair.Value.Type, s); ok {
			out[pair.Key] = converted
		}
	}
	return out
}

func parseScalar(typ, s string) (any, bool) {
	switch typ {
	case "integer":
		n, err := strconv.ParseInt(s, 10, 64)
		return n, err == nil
	case "number":
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	case "boolean":
		b, err := strconv.ParseBool(s)
		return b, err == nil
	}
	return nil, false
}
