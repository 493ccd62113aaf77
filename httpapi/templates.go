package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
)

// Template expands into a ready-to-run workflow definition. The params
// from the request are copied into every generated step, so a template
// caller can set the prompt or model once for the whole pipeline.
type Template struct {
	Name        string
	Description string
	Steps       func(params map[string]any) []stepRequest
}

// templates is the built-in catalog. Actions not backed by a registered
// adapter run as simulations, so every template is usable without
// credentials.
var templates = map[string]Template{
	"content-pipeline": {
		Name:        "content-pipeline",
		Description: "Research a topic, draft content from the findings, then review the draft.",
		Steps: func(params map[string]any) []stepRequest {
			return []stepRequest{
				{ID: "research", Name: "Research", Action: "openai_chat", Params: params},
				{ID: "draft", Name: "Draft", Action: "anthropic_chat", Dependencies: []string{"research"}, Params: params},
				{ID: "review", Name: "Review", Action: "gemini_generate", Dependencies: []string{"draft"}, Params: params, OnFailure: "continue"},
			}
		},
	},
	"fanout-analysis": {
		Name:        "fanout-analysis",
		Description: "Analyze one input with three models in parallel, then merge the results.",
		Steps: func(params map[string]any) []stepRequest {
			return []stepRequest{
				{ID: "prepare", Name: "Prepare", Action: "sim", Params: params},
				{ID: "analyze-openai", Name: "OpenAI analysis", Action: "openai_chat", Dependencies: []string{"prepare"}, Params: params, OnFailure: "continue"},
				{ID: "analyze-anthropic", Name: "Anthropic analysis", Action: "anthropic_chat", Dependencies: []string{"prepare"}, Params: params, OnFailure: "continue"},
				{ID: "analyze-deepseek", Name: "DeepSeek analysis", Action: "deepseek_chat", Dependencies: []string{"prepare"}, Params: params, OnFailure: "continue"},
				{ID: "merge", Name: "Merge results", Action: "openai_chat", Dependencies: []string{"analyze-openai", "analyze-anthropic", "analyze-deepseek"}, Params: params},
			}
		},
	},
	"external-enrichment": {
		Name:        "external-enrichment",
		Description: "Wait for externally ingested data, then summarize it.",
		Steps: func(params map[string]any) []stepRequest {
			return []stepRequest{
				{ID: "source-data", Name: "Source data", Action: "external_data"},
				{ID: "summarize", Name: "Summarize", Action: "openai_chat", Dependencies: []string{"source-data"}, Params: params},
			}
		},
	},
}

// templateRequest is the body of POST /api/workflows/from-template.
type templateRequest struct {
	Template    string         `json:"template"`
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params"`
}

func (a *API) handleCreateFromTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	tpl, ok := templates[req.Template]
	if !ok {
		a.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown template %q", req.Template))
		return
	}

	name := req.Name
	if name == "" {
		name = tpl.Name
	}
	description := req.Description
	if description == "" {
		description = tpl.Description
	}

	a.createWorkflow(w, r, createRequest{
		ID:          req.ID,
		Name:        name,
		Description: description,
		Metadata:    map[string]any{"template": tpl.Name},
		Steps:       tpl.Steps(req.Params),
	})
}

func (a *API) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	out := make([]map[string]string, 0, len(templates))
	for _, tpl := range templates {
		out = append(out, map[string]string{
			"name":        tpl.Name,
			"description": tpl.Description,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i]["name"] < out[j]["name"] })
	a.respondJSON(w, http.StatusOK, out)
}
