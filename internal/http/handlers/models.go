package handlers

import (
	"net/http"

	"mediajobs/internal/domain"
	"mediajobs/internal/registry"
)

type modelResponse struct {
	ID            string                `json:"id"`
	MediaType     domain.MediaType      `json:"mediaType"`
	Name          string                `json:"name,omitempty"`
	Parameters    []string              `json:"parameters"`
	Required      []string              `json:"required,omitempty"`
	Capabilities  registry.Capabilities `json:"capabilities"`
	Pricing       registry.Pricing      `json:"pricing"`
	EstimatedTime int                   `json:"estimatedTime"`
}

func (a *App) ListModels(w http.ResponseWriter, r *http.Request) {
	var mediaType domain.MediaType
	if raw := r.URL.Query().Get("mediaType"); raw != "" {
		mt, ok := domain.ParseMediaType(raw)
		if !ok {
			a.error(w, http.StatusBadRequest, "bad_request", "unknown mediaType")
			return
		}
		mediaType = mt
	}
	items := []modelResponse{}
	for _, m := range a.Catalog.Models(mediaType) {
		items = append(items, modelResponse{
			ID:            m.ID,
			MediaType:     m.MediaType,
			Name:          m.Name,
			Parameters:    m.SupportedParams,
			Required:      m.RequiredParams,
			Capabilities:  m.Capabilities,
			Pricing:       m.Pricing,
			EstimatedTime: m.EstimatedTime,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}
