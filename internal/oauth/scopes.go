package oauth

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scope pairs a scope identifier with its human description.
type Scope struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
}

// ScopeRegistry is the static, process-wide set of recognized scopes.
type ScopeRegistry struct {
	scopes map[string]string
}

// DefaultScopes are registered when no seed file provides a scope list.
var DefaultScopes = []Scope{
	{ID: "read", Description: "Read published content"},
	{ID: "write", Description: "Create and update content"},
	{ID: "admin", Description: "Manage site configuration"},
}

// NewScopeRegistry builds a registry from the given scope list, falling back
// to the default set when empty.
func NewScopeRegistry(scopes []Scope) *ScopeRegistry {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	reg := &ScopeRegistry{scopes: make(map[string]string, len(scopes))}
	for _, s := range scopes {
		reg.scopes[s.ID] = s.Description
	}
	return reg
}

// Has reports whether id is a registered scope.
func (r *ScopeRegistry) Has(id string) bool {
	_, ok := r.scopes[id]
	return ok
}

// Describe returns the human description for a scope id.
func (r *ScopeRegistry) Describe(id string) (string, bool) {
	desc, ok := r.scopes[id]
	return desc, ok
}

// All returns every registered scope sorted by identifier.
func (r *ScopeRegistry) All() []Scope {
	out := make([]Scope, 0, len(r.scopes))
	for id, desc := range r.scopes {
		out = append(out, Scope{ID: id, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns every registered scope identifier sorted.
func (r *ScopeRegistry) IDs() []string {
	ids := make([]string, 0, len(r.scopes))
	for id := range r.scopes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks that every requested scope is registered, returning the
// first unknown identifier.
func (r *ScopeRegistry) Validate(requested []string) error {
	for _, id := range requested {
		if !r.Has(id) {
			return InvalidScope(fmt.Sprintf("unknown scope: %s", id))
		}
	}
	return nil
}

// SplitScope splits a space-joined scope string into identifiers.
func SplitScope(scope string) []string {
	return strings.Fields(scope)
}

// JoinScope renders a scope set as the space-joined wire form.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// SeedClient is a pre-registered client entry from the seed file. Secrets are
// given in plaintext and hashed at load time.
type SeedClient struct {
	ClientID     string   `yaml:"client_id"`
	Name         string   `yaml:"name"`
	Secret       string   `yaml:"secret"`
	RedirectURIs []string `yaml:"redirect_uris"`
	GrantTypes   []string `yaml:"grant_types"`
	Scopes       []string `yaml:"scopes"`
}

// SeedFile is the YAML shape of the optional seed configuration.
type SeedFile struct {
	Scopes  []Scope      `yaml:"scopes"`
	Clients []SeedClient `yaml:"clients"`
}

// LoadSeedFile reads and parses the seed YAML at path.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &seed, nil
}
