package registry

import (
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"

	"mediajobs/internal/domain"
)

const defaultDurationParam = "duration"

// ValidateParameters merges the model defaults with params and checks the
// result against the model definition. Every offending field is reported in
// a single *domain.ValidationError.
func (r *Registry) ValidateParameters(modelID string, mediaType domain.MediaType, params map[string]any) (map[string]any, error) {
	m, err := r.Model(modelID, mediaType)
	if err != nil {
		return nil, err
	}
	return m.Validate(params)
}

// Validate is ValidateParameters for an already resolved model.
func (m *Model) Validate(params map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(m.Defaults)+len(params))
	for k, v := range m.Defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}

	verr := domain.NewValidationError()

	for _, k := range sortedKeys(params) {
		if !m.Supports(k) {
			verr.Add(k, "parameter is not supported by model %s", m.ID)
		}
	}
	for _, k := range m.RequiredParams {
		if isBlank(merged[k]) {
			verr.Add(k, "parameter is required")
		}
	}
	for _, k := range sortedSpecKeys(m.AdvancedParams) {
		v, ok := merged[k]
		if !ok || v == nil {
			continue
		}
		if msg := m.AdvancedParams[k].check(v); msg != "" {
			verr.Add(k, "%s", msg)
		}
	}
	for _, c := range m.Capabilities.list() {
		v, ok := merged[c.Param]
		if !ok || v == nil {
			if c.MinItems > 0 && isRequired(m, c.Param) {
				verr.Add(c.Param, "at least %d item(s) required", c.MinItems)
			}
			continue
		}
		for _, msg := range c.check(v) {
			verr.Add(c.Param, "%s", msg)
		}
	}
	if m.Pricing.Type == PricingResolution && len(m.Pricing.PricePerSecond) > 0 {
		if key, res, ok := resolutionOf(m.Pricing, merged); ok {
			if _, known := m.Pricing.PricePerSecond[res]; !known {
				verr.Add(key, "resolution %q is not available for model %s", res, m.ID)
			}
		}
	}

	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return merged, nil
}

func (p ParamSpec) check(v any) string {
	switch p.Type {
	case "string":
		if _, ok := v.(string); !ok {
			return "must be a string"
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return "must be a boolean"
		}
	case "integer":
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) {
			return "must be an integer"
		}
	case "number":
		if _, ok := toFloat(v); !ok {
			return "must be a number"
		}
	}
	if len(p.Enum) > 0 && !enumContains(p.Enum, v) {
		return fmt.Sprintf("must be one of %s", formatEnum(p.Enum))
	}
	if f, ok := toFloat(v); ok {
		if p.Min != nil && f < *p.Min {
			return fmt.Sprintf("must be >= %v", *p.Min)
		}
		if p.Max != nil && f > *p.Max {
			return fmt.Sprintf("must be <= %v", *p.Max)
		}
	}
	return ""
}

// check validates a list of URLs. A single string counts as one item.
func (c *ArrayCapability) check(v any) []string {
	var items []any
	switch t := v.(type) {
	case string:
		items = []any{t}
	case []string:
		for _, s := range t {
			items = append(items, s)
		}
	case []any:
		items = t
	default:
		return []string{"must be a URL or a list of URLs"}
	}

	var msgs []string
	if len(items) < c.MinItems {
		msgs = append(msgs, fmt.Sprintf("at least %d item(s) required, got %d", c.MinItems, len(items)))
	}
	if c.MaxItems > 0 && len(items) > c.MaxItems {
		msgs = append(msgs, fmt.Sprintf("at most %d item(s) allowed, got %d", c.MaxItems, len(items)))
	}
	for i, item := range items {
		s, ok := item.(string)
		if !ok || !isHTTPURL(s) {
			msgs = append(msgs, fmt.Sprintf("item %d is not a valid http(s) URL", i))
		}
	}
	return msgs
}

// EstimateCost returns the job price in USD. Resolution priced models fall
// back to BasePrice when the resolution or the price table is missing.
func EstimateCost(p Pricing, params map[string]any) float64 {
	switch p.Type {
	case PricingFixed:
		return round4(p.Price)
	case PricingResolution:
		_, res, ok := resolutionOf(p, params)
		if !ok || len(p.PricePerSecond) == 0 {
			return round4(p.BasePrice)
		}
		rate, known := p.PricePerSecond[res]
		if !known {
			return round4(p.BasePrice)
		}
		duration, ok := toFloat(params[durationParam(p)])
		if !ok || duration <= 0 {
			return round4(p.BasePrice)
		}
		return round4(duration * rate)
	}
	return round4(p.BasePrice)
}

// EstimateCost prices params against the model's pricing.
func (m *Model) EstimateCost(params map[string]any) float64 {
	return EstimateCost(m.Pricing, params)
}

// EstimateTime returns the expected processing time in seconds. Models with
// EstimatedTimePerSecond scale with the requested output duration.
func (m *Model) EstimateTime(params map[string]any) int {
	if m.EstimatedTimePerSecond <= 0 {
		return m.EstimatedTime
	}
	duration, ok := toFloat(params[durationParam(m.Pricing)])
	if !ok || duration <= 0 {
		return m.EstimatedTime
	}
	return int(math.Ceil(duration * m.EstimatedTimePerSecond))
}

func durationParam(p Pricing) string {
	if p.DurationParam != "" {
		return p.DurationParam
	}
	return defaultDurationParam
}

// resolutionOf finds the resolution value, preferring the configured param
// and then the conventional "resolution" and "size" keys.
func resolutionOf(p Pricing, params map[string]any) (string, string, bool) {
	keys := []string{"resolution", "size"}
	if p.ResolutionParam != "" {
		keys = append([]string{p.ResolutionParam}, keys...)
	}
	for _, k := range keys {
		if s, ok := params[k].(string); ok && s != "" {
			return k, s, true
		}
	}
	return "", "", false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case jsonNumber:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

type jsonNumber interface {
	Float64() (float64, error)
}

func enumContains(enum []any, v any) bool {
	vf, vNum := toFloat(v)
	for _, e := range enum {
		if ef, ok := toFloat(e); ok && vNum {
			if ef == vf {
				return true
			}
			continue
		}
		if e == v {
			return true
		}
	}
	return false
}

func formatEnum(enum []any) string {
	parts := make([]string, 0, len(enum))
	for _, e := range enum {
		parts = append(parts, fmt.Sprint(e))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

func isRequired(m *Model, key string) bool {
	for _, k := range m.RequiredParams {
		if k == key {
			return true
		}
	}
	return false
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSpecKeys(m map[string]ParamSpec) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
