package ai

import (
	"sort"
	"strings"

	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.Registry = (*Registry)(nil)

// Registry maps model families to their predictor backends. A worker only
// registers the families it serves; the claim step never goes outside them.
type Registry struct {
	backends map[string]adapter.Predictor
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]adapter.Predictor)}
}

func (r *Registry) Register(family string, p adapter.Predictor) {
	r.backends[strings.ToLower(family)] = p
}

func (r *Registry) For(family string) (adapter.Predictor, bool) {
	p, ok := r.backends[strings.ToLower(family)]
	return p, ok
}

func (r *Registry) Families() []string {
	out := make([]string, 0, len(r.backends))
	for f := range r.backends {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// renderPrompt fills the prompt template with the row's text. Templates use
// the {{text}} placeholder; templates without one get the text appended.
func renderPrompt(prompt *model.Prompt, row *model.Row) string {
	if strings.Contains(prompt.Template, "{{text}}") {
		return strings.ReplaceAll(prompt.Template, "{{text}}", row.Text)
	}
	return prompt.Template + "\n\n" + row.Text
}

// normalizeLabel reduces a model reply to a classification label: first
// line, trimmed, lowercased.
func normalizeLabel(reply string) string {
	if i := strings.IndexByte(reply, '\n'); i >= 0 {
		reply = reply[:i]
	}
	return strings.ToLower(strings.TrimSpace(reply))
}
