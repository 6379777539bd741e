// Package prompts holds the versioned system prompts the agent runs with.
// Prompts are registered once at init and composed with simple {{variable}}
// substitution; versioning exists so a prompt change never silently alters
// behavior for callers pinned to an older version.
package prompts

import (
	"fmt"
	"strings"
	"sync"
)

// Version identifies one revision of a prompt.
type Version string

const V1 Version = "1.0.0"

// Prompt is one registered prompt revision.
type Prompt struct {
	ID          string
	Version     Version
	Content     string
	Description string
	Deprecated  bool
}

// Registry maps prompt IDs to their registered revisions.
type Registry struct {
	mu      sync.RWMutex
	prompts map[string]map[Version]*Prompt
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry the init functions populate.
func Default() *Registry { return defaultRegistry }

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{prompts: make(map[string]map[Version]*Prompt)}
}

// Register adds a prompt revision, replacing any existing one with the same
// ID and version.
func (r *Registry) Register(p *Prompt) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prompts[p.ID] == nil {
		r.prompts[p.ID] = make(map[Version]*Prompt)
	}
	r.prompts[p.ID][p.Version] = p
}

// Get retrieves a specific revision.
func (r *Registry) Get(id string, version Version) (*Prompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prompts[id][version]
	if !ok {
		return nil, fmt.Errorf("prompt %s version %s not found", id, version)
	}
	return p, nil
}

// Latest returns the newest non-deprecated revision of a prompt, falling
// back to the newest deprecated one when nothing else remains.
func (r *Registry) Latest(id string) (*Prompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.prompts[id]
	if !ok {
		return nil, fmt.Errorf("prompt not found: %s", id)
	}

	pick := func(includeDeprecated bool) *Prompt {
		var best *Prompt
		for _, p := range versions {
			if p.Deprecated && !includeDeprecated {
				continue
			}
			if best == nil || p.Version > best.Version {
				best = p
			}
		}
		return best
	}
	if p := pick(false); p != nil {
		return p, nil
	}
	return pick(true), nil
}

// Render substitutes {{key}} placeholders in the prompt content.
func (p *Prompt) Render(vars map[string]string) string {
	out := p.Content
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}
