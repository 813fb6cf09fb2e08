package integration

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/kzs0/tracehook/hook"
	"github.com/kzs0/tracehook/metrics"
)

// Status reports one integration's state.
type Status struct {
	Name   string `json:"name" yaml:"name"`
	State  State  `json:"state" yaml:"state"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

type record struct {
	state  State
	reason error
}

// Manager drives integrations from NotLoaded to Loaded or NotAvailable.
type Manager struct {
	reg     *hook.Registry
	caps    *Capabilities
	logger  logr.Logger
	metrics *metrics.Metrics
	enabled func(name string) bool

	// loadMu serializes Load so a descriptor is never registered twice.
	loadMu sync.Mutex

	mu      sync.RWMutex
	records map[string]*record
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger logr.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithEnabled sets the administrative switch. Integrations for which fn returns false
// are never loaded.
func WithEnabled(fn func(name string) bool) Option {
	return func(m *Manager) {
		m.enabled = fn
	}
}

// NewManager creates a manager registering into reg.
func NewManager(reg *hook.Registry, caps *Capabilities, opts ...Option) *Manager {
	m := &Manager{
		reg:     reg,
		caps:    caps,
		logger:  logr.Discard(),
		enabled: func(string) bool { return true },
		records: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Probe reports whether d can be loaded, and why not.
func (m *Manager) Probe(d Descriptor) (ok bool, err error) {
	if !m.enabled(d.Name) {
		return false, ErrDisabled
	}

	var missing []string
	for _, req := range d.Requires {
		if !m.caps.Has(req) {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return false, fmt.Errorf("%w: %s", ErrMissingCapability, strings.Join(missing, ", "))
	}

	if d.Probe == nil {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("%w: panic: %v", ErrProbeFailed, r)
		}
	}()
	if err := d.Probe(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrProbeFailed, err)
	}
	return true, nil
}

// Load probes d and commits its registrations. Loading an already loaded integration
// is a no-op. Any failure leaves the integration NotAvailable with nothing registered.
func (m *Manager) Load(d Descriptor) State {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	if d.Name == "" {
		m.logger.Error(ErrInvalidDescriptor, "integration without a name skipped")
		return NotAvailable
	}
	if m.State(d.Name) == Loaded {
		return Loaded
	}

	if ok, err := m.Probe(d); !ok {
		m.logger.V(1).Info("integration not available", "integration", d.Name, "reason", err.Error())
		return m.set(d.Name, NotAvailable, err)
	}

	if err := m.register(d); err != nil {
		m.logger.Error(err, "integration failed to register", "integration", d.Name)
		return m.set(d.Name, NotAvailable, err)
	}

	m.logger.Info("integration loaded", "integration", d.Name, "callSites", len(d.CallSites))
	return m.set(d.Name, Loaded, nil)
}

func (m *Manager) register(d Descriptor) (err error) {
	if d.Register == nil {
		return fmt.Errorf("%w: %s has no Register function", ErrInvalidDescriptor, d.Name)
	}

	r := m.reg.Registrar(d.Name, d.CallSites)
	defer func() {
		if rec := recover(); rec != nil {
			r.Discard()
			err = fmt.Errorf("%w: panic: %v", ErrRegisterFailed, rec)
		}
	}()

	if err := d.Register(r); err != nil {
		r.Discard()
		return fmt.Errorf("%w: %w", ErrRegisterFailed, err)
	}
	if err := r.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrRegisterFailed, err)
	}
	return nil
}

// LoadAll loads each descriptor independently and returns the resulting states.
func (m *Manager) LoadAll(ds []Descriptor) map[string]State {
	out := make(map[string]State, len(ds))
	for _, d := range ds {
		out[d.Name] = m.Load(d)
	}
	return out
}

// MarkUnavailable records name as NotAvailable without loading it.
func (m *Manager) MarkUnavailable(name string, reason error) {
	if m.State(name) == Loaded {
		return
	}
	m.set(name, NotAvailable, reason)
}

// State returns the state of the named integration.
func (m *Manager) State(name string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.records[name]; ok {
		return r.state
	}
	return NotLoaded
}

// Reason returns why the named integration is not available, or nil.
func (m *Manager) Reason(name string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.records[name]; ok {
		return r.reason
	}
	return nil
}

// Status lists every integration the manager has seen, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.records))
	for name, r := range m.records {
		s := Status{Name: name, State: r.state}
		if r.reason != nil {
			s.Reason = r.reason.Error()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) set(name string, state State, reason error) State {
	m.mu.Lock()
	m.records[name] = &record{state: state, reason: reason}
	m.mu.Unlock()
	m.metrics.IntegrationState(name, state.String(), allStates)
	return state
}
