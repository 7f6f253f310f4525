package params

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dynamic-api/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"
)

// Rule is the decoded form of a parameter's stored validation rule text.
type Rule struct {
	Min     *float64 `mapstructure:"min"`
	Max     *float64 `mapstructure:"max"`
	Pattern string   `mapstructure:"pattern"`
	Enum    []any    `mapstructure:"enum"`
	Format  string   `mapstructure:"format"`
}

// ParseRule decodes rule text such as {"min": 1, "max": "50"}. Empty text
// yields an empty rule.
func ParseRule(text *string) (Rule, error) {
	var rule Rule
	if text == nil || strings.TrimSpace(*text) == "" {
		return rule, nil
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(*text), &raw); err != nil {
		return rule, fmt.Errorf("invalid validation rule: %w", err)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &rule,
	})
	if err != nil {
		return rule, err
	}
	if err := dec.Decode(raw); err != nil {
		return rule, fmt.Errorf("invalid validation rule: %w", err)
	}
	return rule, nil
}

// ParameterSource supplies the stored parameter definitions of an endpoint.
type ParameterSource interface {
	EndpointParameters(ctx context.Context, endpointID uint) ([]models.EndpointParameter, error)
}

type Result struct {
	Valid       bool
	Sanitized   map[string]any
	FieldErrors map[string][]string
}

type Validator struct {
	source   ParameterSource
	validate *validator.Validate
}

func NewValidator(source ParameterSource) *Validator {
	return &Validator{source: source, validate: validator.New()}
}

// Validate checks bag against the endpoint's stored definitions.
func (v *Validator) Validate(ctx context.Context, endpointID uint, bag map[string]any) (Result, error) {
	defs, err := v.source.EndpointParameters(ctx, endpointID)
	if err != nil {
		return Result{}, fmt.Errorf("load parameters for endpoint %d: %w", endpointID, err)
	}
	return v.Check(defs, bag), nil
}

// Check validates bag against defs. Every field error is collected, keys with
// no definition are dropped and string values are trimmed. With no
// definitions the sanitized bag is empty.
func (v *Validator) Check(defs []models.EndpointParameter, bag map[string]any) Result {
	res := Result{Sanitized: make(map[string]any, len(defs)), FieldErrors: map[string][]string{}}

	for _, def := range defs {
		raw, present := bag[def.Name]
		if present && isBlank(raw, def.DataType) {
			present = false
		}

		if !present && def.DefaultValue != nil {
			raw, present = parseDefault(*def.DefaultValue), true
		}

		if !present {
			if def.Required {
				res.addError(def.Name, fmt.Sprintf("%s is required", def.Name))
			}
			continue
		}

		value, errs := v.checkValue(def, raw)
		if len(errs) > 0 {
			for _, e := range errs {
				res.addError(def.Name, e)
			}
			continue
		}
		res.Sanitized[def.Name] = value
	}

	res.Valid = len(res.FieldErrors) == 0
	return res
}

func (r *Result) addError(name, msg string) {
	r.FieldErrors[name] = append(r.FieldErrors[name], msg)
}

func (v *Validator) checkValue(def models.EndpointParameter, raw any) (any, []string) {
	rule, err := ParseRule(def.ValidationRule)
	if err != nil {
		return nil, []string{fmt.Sprintf("%s has an unreadable validation rule", def.Name)}
	}

	var (
		value any
		errs  []string
	)

	switch def.DataType {
	case models.TypeNumber:
		f, err := cast.ToFloat64E(trim(raw))
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, []string{fmt.Sprintf("%s must be a number", def.Name)}
		}
		errs = append(errs, v.bounds(def.Name, f, rule, "")...)
		value = f
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			value = int64(f)
		}
	case models.TypeBoolean:
		b, err := cast.ToBoolE(trim(raw))
		if err != nil {
			return nil, []string{fmt.Sprintf("%s must be a boolean", def.Name)}
		}
		value = b
	case models.TypeDate:
		if t, ok := raw.(time.Time); ok {
			raw = t.UTC().Format(time.RFC3339)
		}
		s, err := cast.ToStringE(trim(raw))
		if err != nil {
			return nil, []string{fmt.Sprintf("%s must be a valid date", def.Name)}
		}
		if _, err := cast.ToTimeE(s); err != nil {
			return nil, []string{fmt.Sprintf("%s must be a valid date", def.Name)}
		}
		value = s
	case models.TypeObject, models.TypeArray:
		text, err := structured(raw, def.DataType)
		if err != nil {
			return nil, []string{fmt.Sprintf("%s must be an %s", def.Name, def.DataType)}
		}
		value = text
	default:
		s, err := cast.ToStringE(trim(raw))
		if err != nil {
			return nil, []string{fmt.Sprintf("%s must be a string", def.Name)}
		}
		if s == "" && def.Required {
			return nil, []string{fmt.Sprintf("%s is not allowed to be empty", def.Name)}
		}
		errs = append(errs, v.bounds(def.Name, s, rule, " characters")...)
		if rule.Pattern != "" {
			re, err := regexp.Compile(rule.Pattern)
			switch {
			case err != nil:
				errs = append(errs, fmt.Sprintf("%s has an invalid pattern", def.Name))
			case !re.MatchString(s):
				errs = append(errs, fmt.Sprintf("%s does not match the required pattern", def.Name))
			}
		}
		switch strings.ToLower(rule.Format) {
		case "email":
			if v.validate.Var(s, "email") != nil {
				errs = append(errs, fmt.Sprintf("%s must be a valid email", def.Name))
			}
		case "uri", "url":
			if v.validate.Var(s, "uri") != nil {
				errs = append(errs, fmt.Sprintf("%s must be a valid uri", def.Name))
			}
		}
		value = s
	}

	if len(rule.Enum) > 0 && !inEnum(value, rule.Enum) {
		errs = append(errs, fmt.Sprintf("%s must be one of %v", def.Name, rule.Enum))
	}
	return value, errs
}

// bounds applies min/max to a number's value or a string's length.
func (v *Validator) bounds(name string, value any, rule Rule, unit string) []string {
	var errs []string
	if rule.Min != nil && v.validate.Var(value, "min="+boundParam(value, *rule.Min)) != nil {
		errs = append(errs, fmt.Sprintf("%s must be at least %v%s", name, *rule.Min, unit))
	}
	if rule.Max != nil && v.validate.Var(value, "max="+boundParam(value, *rule.Max)) != nil {
		errs = append(errs, fmt.Sprintf("%s must be at most %v%s", name, *rule.Max, unit))
	}
	return errs
}

// boundParam formats a bound for validator tags; string lengths take integers.
func boundParam(value any, bound float64) string {
	if _, ok := value.(string); ok {
		return strconv.Itoa(int(bound))
	}
	return strconv.FormatFloat(bound, 'f', -1, 64)
}

func inEnum(value any, enum []any) bool {
	want := cast.ToString(value)
	for _, e := range enum {
		if cast.ToString(e) == want {
			return true
		}
	}
	return false
}

func structured(raw any, dt models.DataType) (string, error) {
	if s, ok := raw.(string); ok {
		raw = nil
		if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &raw); err != nil {
			return "", err
		}
	}

	switch raw.(type) {
	case map[string]any:
		if dt != models.TypeObject {
			return "", fmt.Errorf("not an array")
		}
	case []any:
		if dt != models.TypeArray {
			return "", fmt.Errorf("not an object")
		}
	default:
		return "", fmt.Errorf("unexpected %T", raw)
	}

	b, err := json.Marshal(raw)
	return string(b), err
}

// parseDefault reads a stored default as JSON when it is valid JSON and as a
// literal string otherwise.
func parseDefault(text string) any {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	return text
}

func isBlank(v any, dt models.DataType) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && dt != models.TypeString && strings.TrimSpace(s) == ""
}

func trim(v any) any {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return v
}

// SQLPlaceholderCheck returns the placeholder names of sqlText that have no
// entry in bag.
func SQLPlaceholderCheck(sqlText string, bag map[string]any) []string {
	var missing []string
	for _, name := range Extract(sqlText) {
		if _, ok := bag[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
