package specialist

import (
	"fmt"
	"sort"

	"consilium/pkg/config"
	"consilium/pkg/llm"
	"consilium/pkg/translate"
)

// Registry maps specialty identifiers to their evaluators. Adding a
// specialty is adding one config entry; no code changes.
type Registry struct {
	evaluators map[string]*Evaluator
}

// NewRegistry builds evaluators for every configured specialist. All share
// the same client, translator, and retriever; they differ in specialty
// framing and document collection.
func NewRegistry(specialists map[string]config.Specialist, client llm.LLMClient, translator *translate.Translator, retriever Retriever) *Registry {
	evaluators := make(map[string]*Evaluator, len(specialists))
	for name, sp := range specialists {
		evaluators[name] = New(name, sp.Collection, sp.Description, sp.Instructions, client, translator, retriever)
	}
	return &Registry{evaluators: evaluators}
}

// Lookup returns the evaluator for a specialty.
func (r *Registry) Lookup(specialty string) (*Evaluator, error) {
	evaluator, ok := r.evaluators[specialty]
	if !ok {
		return nil, fmt.Errorf("no evaluator registered for specialty %q", specialty)
	}
	return evaluator, nil
}

// Specialties returns the registered specialty names, sorted.
func (r *Registry) Specialties() []string {
	names := make([]string, 0, len(r.evaluators))
	for name := range r.evaluators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
