package hook

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	ErrGuardRejected      = errors.New("hook: guard rejected registration")
	ErrSealed             = errors.New("hook: registry is sealed")
	ErrEmptyPair          = errors.New("hook: pair has neither before nor after")
	ErrInvalidCallSite    = errors.New("hook: invalid call site")
	ErrUndeclaredCallSite = errors.New("hook: call site not declared by integration")
	ErrCommitted          = errors.New("hook: registrar already committed")
)

// Registry maps call sites to hook chains.
type Registry struct {
	mu     sync.Mutex
	sealed atomic.Bool
	chains map[CallSite]Chain
}

// NewRegistry creates an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{
		chains: make(map[CallSite]Chain),
	}
}

// Register appends pair to the chain of site. The guard is evaluated once, now; a nil
// guard always passes.
func (r *Registry) Register(site CallSite, guard Guard, pair Pair) error {
	if err := validate(site, pair); err != nil {
		return err
	}
	if guard != nil && !guard() {
		return fmt.Errorf("%w: %s", ErrGuardRejected, site)
	}
	return r.commit([]staged{{site: site, entry: Entry{Integration: pair.Name, Pair: pair}}})
}

// Resolve returns the chain registered for site, or an empty chain. The returned
// slice must not be modified.
func (r *Registry) Resolve(site CallSite) Chain {
	if r.sealed.Load() {
		return r.chains[site]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chains[site]
}

// Seal ends the boot phase. Later registrations fail with ErrSealed.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed.Store(true)
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Sites lists every call site with at least one pair, sorted by name.
func (r *Registry) Sites() []CallSite {
	r.mu.Lock()
	defer r.mu.Unlock()
	sites := make([]CallSite, 0, len(r.chains))
	for site := range r.chains {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].String() < sites[j].String() })
	return sites
}

// Registrar returns a staging view for one integration. declared restricts the call
// sites it may register; an empty list allows any site.
func (r *Registry) Registrar(integration string, declared []CallSite) *Registrar {
	rr := &Registrar{reg: r, integration: integration}
	if len(declared) > 0 {
		rr.declared = make(map[CallSite]bool, len(declared))
		for _, site := range declared {
			rr.declared[site] = true
		}
	}
	return rr
}

type staged struct {
	site  CallSite
	entry Entry
}

func (r *Registry) commit(entries []staged) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return ErrSealed
	}
	for _, s := range entries {
		chain := r.chains[s.site]
		// Copy so that a chain handed out by Resolve is never written to.
		next := make(Chain, len(chain), len(chain)+1)
		copy(next, chain)
		r.chains[s.site] = append(next, s.entry)
	}
	return nil
}

func validate(site CallSite, pair Pair) error {
	if !site.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCallSite, site.String())
	}
	if pair.Before == nil && pair.After == nil {
		return ErrEmptyPair
	}
	return nil
}

// Registrar buffers the registrations of one integration so they land in the
// registry together or not at all.
type Registrar struct {
	reg         *Registry
	integration string
	declared    map[CallSite]bool
	staged      []staged
	committed   bool
}

// Integration returns the name registrations are attributed to.
func (r *Registrar) Integration() string {
	return r.integration
}

// Register validates and stages a pair. Nothing is visible in the registry until Commit.
func (r *Registrar) Register(site CallSite, guard Guard, pair Pair) error {
	if r.committed {
		return ErrCommitted
	}
	if err := validate(site, pair); err != nil {
		return err
	}
	if r.declared != nil && !r.declared[site] {
		return fmt.Errorf("%w: %s", ErrUndeclaredCallSite, site)
	}
	if guard != nil && !guard() {
		return fmt.Errorf("%w: %s", ErrGuardRejected, site)
	}
	if pair.Name == "" {
		pair.Name = r.integration
	}
	r.staged = append(r.staged, staged{
		site:  site,
		entry: Entry{Integration: r.integration, Pair: pair},
	})
	return nil
}

// Staged returns the number of pending registrations.
func (r *Registrar) Staged() int {
	return len(r.staged)
}

// Commit publishes every staged pair.
func (r *Registrar) Commit() error {
	if r.committed {
		return ErrCommitted
	}
	if err := r.reg.commit(r.staged); err != nil {
		return err
	}
	r.committed = true
	r.staged = nil
	return nil
}

// Discard drops every staged pair.
func (r *Registrar) Discard() {
	r.staged = nil
}
