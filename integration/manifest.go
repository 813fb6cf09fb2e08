package integration

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kzs0/tracehook/hook"
)

// ManifestEntry overrides the declaration of one integration.
type ManifestEntry struct {
	Name      string          `yaml:"name"`
	Requires  []string        `yaml:"requires,omitempty"`
	CallSites []hook.CallSite `yaml:"callSites,omitempty"`
	Enabled   *bool           `yaml:"enabled,omitempty"`
}

// Manifest is the declarative integration configuration:
//
//	integrations:
//	  - name: nethttp
//	    requires: [net/http]
//	    callSites: [net/http.Handler.ServeHTTP]
//	  - name: httpsec
//	    enabled: false
type Manifest struct {
	Integrations []ManifestEntry `yaml:"integrations"`
}

// ParseManifest decodes a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("integration: parse manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Integrations))
	for i, e := range m.Integrations {
		if e.Name == "" {
			return nil, fmt.Errorf("integration: manifest entry %d has no name", i)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("integration: manifest lists %q twice", e.Name)
		}
		seen[e.Name] = true
	}
	return &m, nil
}

// LoadManifest reads and decodes the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("integration: read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ManifestResult describes what Apply did.
type ManifestResult struct {
	// Descriptors are the descriptors to load, with overrides applied.
	Descriptors []Descriptor
	// Disabled names descriptors dropped by "enabled: false".
	Disabled []string
	// Unknown names manifest entries that match no descriptor.
	Unknown []string
}

// Apply overrides Requires and CallSites of matching descriptors and drops disabled ones.
// A nil manifest returns ds unchanged.
func (m *Manifest) Apply(ds []Descriptor) ManifestResult {
	if m == nil {
		return ManifestResult{Descriptors: ds}
	}

	entries := make(map[string]ManifestEntry, len(m.Integrations))
	for _, e := range m.Integrations {
		entries[e.Name] = e
	}

	var res ManifestResult
	known := make(map[string]bool, len(ds))
	for _, d := range ds {
		known[d.Name] = true
		e, ok := entries[d.Name]
		if !ok {
			res.Descriptors = append(res.Descriptors, d)
			continue
		}
		if e.Enabled != nil && !*e.Enabled {
			res.Disabled = append(res.Disabled, d.Name)
			continue
		}
		if e.Requires != nil {
			d.Requires = append([]string(nil), e.Requires...)
		}
		if e.CallSites != nil {
			d.CallSites = append([]hook.CallSite(nil), e.CallSites...)
		}
		res.Descriptors = append(res.Descriptors, d)
	}

	for _, e := range m.Integrations {
		if !known[e.Name] {
			res.Unknown = append(res.Unknown, e.Name)
		}
	}
	return res
}

// ApplyManifest applies man to ds, marks the disabled descriptors NotAvailable and
// logs entries naming unknown integrations. It returns the descriptors left to load.
func (m *Manager) ApplyManifest(man *Manifest, ds []Descriptor) []Descriptor {
	res := man.Apply(ds)
	for _, name := range res.Disabled {
		m.logger.V(1).Info("integration disabled by manifest", "integration", name)
		m.MarkUnavailable(name, fmt.Errorf("%w by manifest", ErrDisabled))
	}
	for _, name := range res.Unknown {
		m.logger.Info("manifest names unknown integration", "integration", name, "error", ErrUnknownIntegration.Error())
	}
	return res.Descriptors
}
