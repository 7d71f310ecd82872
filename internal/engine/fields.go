package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	"siteflow/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// coerceValue maps a caller-supplied value onto the slot for def's type.
// Any other Go type is a TypeMismatch.
func coerceValue(def domain.FieldDef, v any) (domain.FieldValue, error) {
	fv := domain.FieldValue{FieldKey: def.Key, Type: def.Type}
	mismatch := func(reason string) error {
		return &FieldError{Field: def.Key, Reason: reason, Err: ErrTypeMismatch}
	}
	if v == nil && def.Type != domain.FieldJSON {
		return fv, mismatch("null value")
	}
	switch def.Type {
	case domain.FieldString:
		s, ok := v.(string)
		if !ok {
			return fv, mismatch(fmt.Sprintf("want string, got %T", v))
		}
		fv.String = &s
	case domain.FieldNumber:
		n, ok := toFloat(v)
		if !ok {
			return fv, mismatch(fmt.Sprintf("want number, got %T", v))
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return fv, mismatch("number is not finite")
		}
		fv.Number = &n
	case domain.FieldDate:
		var d time.Time
		switch t := v.(type) {
		case string:
			parsed, err := time.Parse(domain.DateLayout, t)
			if err != nil {
				return fv, mismatch("want date YYYY-MM-DD")
			}
			d = parsed
		case time.Time:
			y, m, day := t.Date()
			d = time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
		default:
			return fv, mismatch(fmt.Sprintf("want date, got %T", v))
		}
		fv.Date = &d
	case domain.FieldDateTime:
		var dt time.Time
		switch t := v.(type) {
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return fv, mismatch("want RFC3339 datetime")
			}
			dt = parsed.UTC()
		case time.Time:
			dt = t.UTC()
		default:
			return fv, mismatch(fmt.Sprintf("want datetime, got %T", v))
		}
		fv.DateTime = &dt
	case domain.FieldJSON:
		var raw []byte
		switch t := v.(type) {
		case json.RawMessage:
			if !json.Valid(t) {
				return fv, mismatch("invalid json")
			}
			raw = t
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return fv, mismatch(err.Error())
			}
			raw = b
		}
		fv.JSON = json.RawMessage(raw)
	default:
		assertf(false, "field %s has unknown type %q", def.Key, def.Type)
	}
	return fv, nil
}

// validateValue applies def's rules to a coerced value.
func validateValue(def domain.FieldDef, fv domain.FieldValue) error {
	if def.Type == domain.FieldJSON {
		if len(def.Schema) == 0 {
			return nil
		}
		return validateSchema(def, fv.JSON)
	}
	if strings.TrimSpace(def.Rules) == "" {
		return nil
	}
	var v any
	switch def.Type {
	case domain.FieldString:
		v = *fv.String
	case domain.FieldNumber:
		v = *fv.Number
	case domain.FieldDate:
		v = *fv.Date
	case domain.FieldDateTime:
		v = *fv.DateTime
	}
	if err := varWithRules(v, def.Rules); err != nil {
		return &FieldError{Field: def.Key, Reason: err.Error(), Err: ErrValidationFailed}
	}
	return nil
}

func validateSchema(def domain.FieldDef, doc json.RawMessage) error {
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(def.Schema), gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return &FieldError{Field: def.Key, Reason: err.Error(), Err: ErrValidationFailed}
	}
	if !result.Valid() {
		var reasons []string
		for _, e := range result.Errors() {
			reasons = append(reasons, e.String())
		}
		return &FieldError{Field: def.Key, Reason: strings.Join(reasons, "; "), Err: ErrValidationFailed}
	}
	return nil
}

// varWithRules runs a validator tag string. validator panics on unknown tags,
// so that is reported as an error too.
func varWithRules(v any, rules string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bad rules %q: %v", rules, r)
		}
	}()
	if err := validate.Var(v, rules); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Param() != "" {
				return fmt.Errorf("failed %s=%s", fe.Tag(), fe.Param())
			}
			return fmt.Errorf("failed %s", fe.Tag())
		}
		return err
	}
	return nil
}

// checkRules reports whether rules are well formed for a field type by
// running them once against the zero value.
func checkRules(t domain.FieldType, rules string) error {
	if strings.TrimSpace(rules) == "" {
		return nil
	}
	var zero any
	switch t {
	case domain.FieldString:
		zero = ""
	case domain.FieldNumber:
		zero = float64(0)
	case domain.FieldDate, domain.FieldDateTime:
		zero = time.Time{}
	default:
		return invalidInput("%s fields take a schema, not rules", t)
	}
	err := varWithRules(zero, rules)
	if err != nil && strings.HasPrefix(err.Error(), "bad rules") {
		return invalidInput("%v", err)
	}
	return nil
}

func checkSchema(schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema)); err != nil {
		return invalidInput("invalid json schema: %v", err)
	}
	return nil
}

// visibleRequired lists the required fields still empty, skipping fields
// whose visible_when does not hold against vars.
func visibleRequired(defs []domain.FieldDef, values map[string]domain.FieldValue, vars map[string]any) []string {
	var missing []string
	for _, def := range defs {
		if !def.Required {
			continue
		}
		if def.VisibleWhen != nil && !Evaluate(def.VisibleWhen, vars) {
			continue
		}
		if _, ok := values[def.Key]; !ok {
			missing = append(missing, def.Key)
		}
	}
	return missing
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownField):
		return "unknown_field"
	case errors.Is(err, ErrTypeMismatch):
		return "type_mismatch"
	case errors.Is(err, ErrValidationFailed):
		return "validation_failed"
	}
	return "other"
}
