package llm

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var (
	modelPattern    = regexp.MustCompile(`^\[Model: (.*?)\]\n\n`)
	providerPattern = regexp.MustCompile(`\[Provider: (.*?)\]\n\n`)
)

// ExtractProperties pulls the model and provider tags off the front of a user
// message and returns the remaining content. Untagged messages come back
// unchanged with empty model and provider.
func ExtractProperties(content string) (model, provider, rest string) {
	rest = content
	if m := modelPattern.FindStringSubmatch(rest); m != nil {
		model = m[1]
		rest = rest[len(m[0]):]
	}
	if m := providerPattern.FindStringSubmatch(rest); m != nil {
		provider = m[1]
		rest = strings.Replace(rest, m[0], "", 1)
	}
	return model, provider, rest
}

// ModelInfo describes one registered model.
type ModelInfo struct {
	Name      string
	Provider  string
	MaxTokens int
}

// Registry maps model names to their providers' stream clients. The first
// registered model is the default.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]ModelInfo
	clients  map[string]StreamClient
	fallback string
}

func NewRegistry() *Registry {
	return &Registry{
		models:  make(map[string]ModelInfo),
		clients: make(map[string]StreamClient),
	}
}

func (r *Registry) Register(info ModelInfo, client StreamClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[info.Name] = info
	r.clients[info.Name] = client
	if r.fallback == "" {
		r.fallback = info.Name
	}
}

// Resolve finds the client for a model name, falling back to the default
// model when the name is empty or unknown.
func (r *Registry) Resolve(model string) (ModelInfo, StreamClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if model == "" {
		model = r.fallback
	}
	if _, ok := r.models[model]; !ok {
		model = r.fallback
	}
	info, ok := r.models[model]
	if !ok {
		return ModelInfo{}, nil, fmt.Errorf("llm: no models registered")
	}
	return info, r.clients[model], nil
}

// Close closes every registered client once.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[StreamClient]struct{})
	for _, c := range r.clients {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		_ = c.Close()
	}
}
