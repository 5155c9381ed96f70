package platform

import (
	"slices"
	"sort"
)

// Manifest defines the structure of a platform's manifest.yaml file.
type Manifest struct {
	Name               string   `yaml:"name"`
	Version            string   `yaml:"version"`
	Protocol           int      `yaml:"protocol"`
	Entrypoint         string   `yaml:"entrypoint"`
	Args               []string `yaml:"args,omitempty"`
	Description        string   `yaml:"description,omitempty"`
	Persist            bool     `yaml:"persist"`
	RequireCredentials []string `yaml:"require_credentials,omitempty"`
	Verbs              []string `yaml:"verbs,omitempty"`
}

// Config is the supervision policy for a platform.
type Config struct {
	// Persist selects one private worker per actor instead of one shared
	// worker for the platform.
	Persist bool
	// RequireCredentials lists verbs that must succeed before the instance
	// counts as initialized.
	RequireCredentials []string
}

// RequiresCredentials reports whether verb is gated on credentials.
func (c Config) RequiresCredentials(verb string) bool {
	return slices.Contains(c.RequireCredentials, verb)
}

// Platform represents a discovered and validated platform worker.
type Platform struct {
	Name        string
	Path        string // Absolute path to platform directory
	Entrypoint  string // Absolute path to entrypoint executable
	Args        []string
	Protocol    int
	Version     string
	Description string
	Verbs       []string
	Config      Config
}

// SupportsVerb reports whether verb is declared. An empty verb list
// accepts everything.
func (p *Platform) SupportsVerb(verb string) bool {
	return len(p.Verbs) == 0 || slices.Contains(p.Verbs, verb)
}

// Registry holds discovered platforms indexed by name.
type Registry struct {
	platforms map[string]*Platform
}

// NewRegistry creates an empty platform registry.
func NewRegistry() *Registry {
	return &Registry{platforms: make(map[string]*Platform)}
}

// Get retrieves a platform by name.
func (r *Registry) Get(name string) (*Platform, bool) {
	p, ok := r.platforms[name]
	return p, ok
}

// Names returns registered platform names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.platforms))
	for name := range r.platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Add registers a platform.
func (r *Registry) Add(p *Platform) error {
	if _, exists := r.platforms[p.Name]; exists {
		return &DuplicateError{Name: p.Name}
	}
	r.platforms[p.Name] = p
	return nil
}

// Override replaces the supervision policy of a registered platform.
func (r *Registry) Override(name string, cfg Config) bool {
	p, ok := r.platforms[name]
	if ok {
		p.Config = cfg
	}
	return ok
}

// DuplicateError is returned by Add for a name already registered.
type DuplicateError struct {
	Name string
}

func (e *DuplicateError) Error() string {
	return "platform " + e.Name + " already registered"
}

// Remove drops a platform from the registry.
func (r *Registry) Remove(name string) bool {
	_, ok := r.platforms[name]
	delete(r.platforms, name)
	return ok
}
