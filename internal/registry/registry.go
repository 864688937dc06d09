// Package registry loads the generation model catalog and validates user
// parameters against each model's schema. Everything after Load is pure and
// safe for concurrent use.
package registry

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"mediajobs/internal/domain"
)

//go:embed catalog/models.json catalog/schema.json
var catalogFS embed.FS

const schemaResource = "catalog.schema.json"

// ParamSpec constrains an advanced parameter.
type ParamSpec struct {
	Type string   `json:"type"`
	Enum []any    `json:"enum,omitempty"`
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
}

// ArrayCapability describes a list-of-URLs input such as reference images.
type ArrayCapability struct {
	Param    string `json:"param"`
	MinItems int    `json:"minItems"`
	MaxItems int    `json:"maxItems"`
}

type Capabilities struct {
	ImageArray      *ArrayCapability `json:"imageArray,omitempty"`
	AudioInput      *ArrayCapability `json:"audioInput,omitempty"`
	ReferenceImages *ArrayCapability `json:"referenceImages,omitempty"`
}

func (c Capabilities) list() []*ArrayCapability {
	var out []*ArrayCapability
	for _, a := range []*ArrayCapability{c.ImageArray, c.AudioInput, c.ReferenceImages} {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

const (
	PricingFixed      = "fixed"
	PricingResolution = "resolution"
)

// Pricing is either a fixed price per job or a per-second price indexed by
// output resolution.
type Pricing struct {
	Type            string             `json:"type"`
	Price           float64            `json:"price,omitempty"`
	BasePrice       float64            `json:"basePrice,omitempty"`
	DurationParam   string             `json:"durationParam,omitempty"`
	ResolutionParam string             `json:"resolutionParam,omitempty"`
	PricePerSecond  map[string]float64 `json:"pricePerSecond,omitempty"`
}

// Model is one catalog entry. It is read-only after Load.
type Model struct {
	ID                     string               `json:"id"`
	MediaType              domain.MediaType     `json:"mediaType"`
	Name                   string               `json:"name,omitempty"`
	Version                string               `json:"version"`
	Defaults               map[string]any       `json:"defaults,omitempty"`
	SupportedParams        []string             `json:"supportedParams,omitempty"`
	RequiredParams         []string             `json:"requiredParams,omitempty"`
	AdvancedParams         map[string]ParamSpec `json:"advancedParams,omitempty"`
	Capabilities           Capabilities         `json:"capabilities"`
	Pricing                Pricing              `json:"pricing"`
	EstimatedTime          int                  `json:"estimatedTime"`
	EstimatedTimePerSecond float64              `json:"estimatedTimePerSecond,omitempty"`

	supported map[string]struct{}
}

type catalog struct {
	Models []Model `json:"models"`
}

type modelKey struct {
	mediaType domain.MediaType
	id        string
}

// Registry indexes the catalog by media type and model id.
type Registry struct {
	models map[modelKey]*Model
	order  []modelKey
}

// LoadDefault loads the catalog embedded in the binary.
func LoadDefault() (*Registry, error) {
	raw, err := catalogFS.ReadFile("catalog/models.json")
	if err != nil {
		return nil, fmt.Errorf("registry: read embedded catalog: %w", err)
	}
	return Load(bytes.NewReader(raw))
}

// LoadFile loads a catalog from disk, falling back to the embedded catalog
// when path is empty.
func LoadFile(path string) (*Registry, error) {
	if path == "" {
		return LoadDefault()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry: open catalog: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load validates the catalog document against the embedded JSON schema and
// indexes its models.
func Load(r io.Reader) (*Registry, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("registry: read catalog: %w", err)
	}
	if err := validateCatalog(raw); err != nil {
		return nil, err
	}
	var doc catalog
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("registry: decode catalog: %w", err)
	}
	reg := &Registry{models: make(map[modelKey]*Model, len(doc.Models))}
	for i := range doc.Models {
		m := doc.Models[i]
		key := modelKey{mediaType: m.MediaType, id: m.ID}
		if _, dup := reg.models[key]; dup {
			return nil, fmt.Errorf("registry: duplicate model %s/%s", m.MediaType, m.ID)
		}
		m.index()
		reg.models[key] = &m
		reg.order = append(reg.order, key)
	}
	return reg, nil
}

func validateCatalog(raw []byte) error {
	schemaRaw, err := catalogFS.ReadFile("catalog/schema.json")
	if err != nil {
		return fmt.Errorf("registry: read schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, bytes.NewReader(schemaRaw)); err != nil {
		return fmt.Errorf("registry: add schema: %w", err)
	}
	schema, err := compiler.Compile(schemaResource)
	if err != nil {
		return fmt.Errorf("registry: compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("registry: decode catalog: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("registry: catalog does not match schema: %w", err)
	}
	return nil
}

func (m *Model) index() {
	m.supported = make(map[string]struct{})
	for _, k := range m.SupportedParams {
		m.supported[k] = struct{}{}
	}
	for _, k := range m.RequiredParams {
		m.supported[k] = struct{}{}
	}
	for k := range m.AdvancedParams {
		m.supported[k] = struct{}{}
	}
	for k := range m.Defaults {
		m.supported[k] = struct{}{}
	}
	for _, c := range m.Capabilities.list() {
		m.supported[c.Param] = struct{}{}
	}
}

// Supports reports whether key is an accepted parameter name.
func (m *Model) Supports(key string) bool {
	_, ok := m.supported[key]
	return ok
}

// Model returns the definition for (modelID, mediaType) or a wrapped
// domain.ErrNotFound.
func (r *Registry) Model(modelID string, mediaType domain.MediaType) (*Model, error) {
	m, ok := r.models[modelKey{mediaType: mediaType, id: modelID}]
	if !ok {
		return nil, fmt.Errorf("model %s/%s: %w", mediaType, modelID, domain.ErrNotFound)
	}
	return m, nil
}

// Models lists the catalog, optionally filtered by media type, ordered by id.
func (r *Registry) Models(mediaType domain.MediaType) []*Model {
	var out []*Model
	for _, key := range r.order {
		if mediaType != "" && key.mediaType != mediaType {
			continue
		}
		out = append(out, r.models[key])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
