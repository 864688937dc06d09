package handlers

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strings"
	"sync"
)

//go:embed openapi.json
var openAPISpec []byte

type docEndpoint struct {
	Method  string
	Path    string
	Summary string
}

type docPage struct {
	Title       string
	Version     string
	Description string
	Endpoints   []docEndpoint
}

var docsTemplate = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <title>{{.Title}} {{.Version}}</title>
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <style>
      body { margin: 0; font-family: sans-serif; }
      header { padding: 1rem 2rem; border-bottom: 1px solid #ddd; }
      code.method { display: inline-block; min-width: 3.5rem; font-weight: bold; }
    </style>
  </head>
  <body>
    <header>
      <h1>{{.Title}} <small>{{.Version}}</small></h1>
      <p>{{.Description}}</p>
      <ul>
      {{- range .Endpoints}}
        <li><code class="method">{{.Method}}</code> <code>{{.Path}}</code> {{.Summary}}</li>
      {{- end}}
      </ul>
    </header>
    <redoc spec-url="/v1/openapi.json"></redoc>
    <script src="https://cdn.jsdelivr.net/npm/redoc@2.2.0/bundles/redoc.standalone.js"></script>
  </body>
</html>`))

var renderDocs = sync.OnceValues(func() ([]byte, error) {
	var doc struct {
		Info struct {
			Title       string `json:"title"`
			Version     string `json:"version"`
			Description string `json:"description"`
		} `json:"info"`
		Paths map[string]map[string]struct {
			Summary string `json:"summary"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(openAPISpec, &doc); err != nil {
		return nil, fmt.Errorf("decode openapi document: %w", err)
	}
	page := docPage{Title: doc.Info.Title, Version: doc.Info.Version, Description: doc.Info.Description}
	for path, ops := range doc.Paths {
		for method, op := range ops {
			page.Endpoints = append(page.Endpoints, docEndpoint{Method: strings.ToUpper(method), Path: path, Summary: op.Summary})
		}
	}
	sort.Slice(page.Endpoints, func(i, j int) bool {
		if page.Endpoints[i].Path != page.Endpoints[j].Path {
			return page.Endpoints[i].Path < page.Endpoints[j].Path
		}
		return page.Endpoints[i].Method < page.Endpoints[j].Method
	})
	var buf bytes.Buffer
	if err := docsTemplate.Execute(&buf, page); err != nil {
		return nil, fmt.Errorf("render docs: %w", err)
	}
	return buf.Bytes(), nil
})

// OpenAPIJSON serves the embedded API description.
func (a *App) OpenAPIJSON(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPISpec)
}

// OpenAPIDocs lists the job endpoints above the interactive reference.
func (a *App) OpenAPIDocs(w http.ResponseWriter, _ *http.Request) {
	page, err := renderDocs()
	if err != nil {
		a.logger().Error().Err(err).Msg("docs render failed")
		a.error(w, http.StatusInternalServerError, "internal", "documentation unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page)
}
