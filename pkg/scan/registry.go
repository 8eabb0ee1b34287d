package scan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/derekparker/trie"
)

// ErrRegistryFrozen is returned by Register after the registry has been
// frozen.
var ErrRegistryFrozen = errors.New("plugin registry is frozen")

// UnknownPluginError is returned when a scan requests a plugin name that is
// not registered. The whole run fails before any plugin executes.
type UnknownPluginError struct {
	Name        string
	Suggestions []string
}

func (err *UnknownPluginError) Error() string {
	if len(err.Suggestions) == 0 {
		return fmt.Sprintf("unknown plugin %q", err.Name)
	}
	return fmt.Sprintf("unknown plugin %q (did you mean %s?)", err.Name, strings.Join(err.Suggestions, ", "))
}

// Registry holds the set of plugins available to scan engines. It has a
// two-phase lifecycle: plugins are registered while the registry is being
// built, then the registry is frozen and becomes read-only; engines freeze
// it before running so no registration can race with a scan.
type Registry struct {
	mu      sync.Mutex
	frozen  bool
	plugins map[string]Plugin
	names   *trie.Trie
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		names:   trie.New(),
	}
}

// Register adds p to the registry. Registering an empty or duplicate name,
// or registering after Freeze, is an error.
func (r *Registry) Register(p Plugin) error {
	name := p.Name()
	if name == "" {
		return errors.New("plugin has an empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.plugins[name]; ok {
		return fmt.Errorf("plugin %q is already registered", name)
	}
	r.plugins[name] = p
	r.names.Add(name, nil)
	return nil
}

// Freeze makes the registry read-only. Idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the plugin registered under name.
func (r *Registry) Lookup(name string) (Plugin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// suggest returns up to three registered names resembling name, for
// UnknownPluginError messages.
func (r *Registry) suggest(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	matches := r.names.PrefixSearch(name)
	if len(matches) == 0 {
		matches = r.names.FuzzySearch(name)
	}
	sort.Strings(matches)
	if len(matches) > 3 {
		matches = matches[:3]
	}
	return matches
}
