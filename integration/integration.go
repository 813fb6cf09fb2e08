// Package integration manages the lifecycle of integration modules: probing whether
// an integration can run in this host, registering its hooks all at once, and
// isolating its failures from every other integration.
package integration

import (
	"errors"
	"sort"
	"sync"

	"github.com/kzs0/tracehook/hook"
)

var (
	ErrDisabled           = errors.New("integration: disabled")
	ErrMissingCapability  = errors.New("integration: missing capability")
	ErrProbeFailed        = errors.New("integration: probe failed")
	ErrRegisterFailed     = errors.New("integration: registration failed")
	ErrInvalidDescriptor  = errors.New("integration: invalid descriptor")
	ErrUnknownIntegration = errors.New("integration: unknown integration")
)

// State is the lifecycle state of an integration.
type State int

const (
	NotLoaded State = iota
	Loaded
	NotAvailable
)

var allStates = []string{NotLoaded.String(), Loaded.String(), NotAvailable.String()}

func (s State) String() string {
	switch s {
	case Loaded:
		return "loaded"
	case NotAvailable:
		return "not_available"
	default:
		return "not_loaded"
	}
}

// MarshalText renders the state name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Descriptor declares an integration.
type Descriptor struct {
	// Name identifies the integration. It is also used as the administrative switch key.
	Name string
	// Requires lists the host capabilities the integration needs.
	Requires []string
	// CallSites, when set, is the only set of call sites Register may hook.
	CallSites []hook.CallSite
	// Probe is an optional extra availability check.
	Probe func() error
	// Register adds the integration's pairs. Nothing is committed unless it returns nil.
	Register func(r *hook.Registrar) error
}

// Capabilities is the set of libraries or features the host declares as present.
type Capabilities struct {
	mu  sync.RWMutex
	set map[string]bool
}

// NewCapabilities creates a set holding names.
func NewCapabilities(names ...string) *Capabilities {
	c := &Capabilities{set: make(map[string]bool)}
	c.Provide(names...)
	return c
}

// Provide adds names to the set.
func (c *Capabilities) Provide(names ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range names {
		c.set[n] = true
	}
}

// Has reports whether name is present. A nil set has nothing.
func (c *Capabilities) Has(name string) bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.set[name]
}

// List returns the names in sorted order.
func (c *Capabilities) List() []string {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.set))
	for n := range c.set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
