package scraper

import (
	"fmt"
	"sort"
)

// Constructor builds an adapter bound to one account's credentials.
type Constructor func(opts Options) Scraper

// Info describes a registered platform.
type Info struct {
	Name          string `json:"name"`
	Display       string `json:"display"`
	RequiresLogin bool   `json:"requires_login"`
	CodeFetch     bool   `json:"code_fetch"`
	AuthHint      string `json:"auth_hint"`
}

type registration struct {
	info Info
	ctor Constructor
}

// Registry maps platform names to adapter constructors.
type Registry struct {
	entries map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds a platform. Registering the same name twice panics.
func (r *Registry) Register(info Info, ctor Constructor) {
	if _, dup := r.entries[info.Name]; dup {
		panic(fmt.Sprintf("scraper: platform %q registered twice", info.Name))
	}
	r.entries[info.Name] = registration{info: info, ctor: ctor}
}

func (r *Registry) New(platform string, opts Options) (Scraper, error) {
	reg, ok := r.entries[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return reg.ctor(opts), nil
}

func (r *Registry) Info(platform string) (Info, bool) {
	reg, ok := r.entries[platform]
	return reg.info, ok
}

// Platforms lists registered platforms sorted by name.
func (r *Registry) Platforms() []Info {
	out := make([]Info, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
