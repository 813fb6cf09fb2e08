package hook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var serveHTTP = CallSite{Package: "net/http", Receiver: "Handler", Method: "ServeHTTP"}

func before(name string) Pair {
	return Pair{Name: name, Before: func(Invocation) error { return nil }}
}

func names(c Chain) []string {
	out := make([]string, 0, len(c))
	for _, e := range c {
		out = append(out, e.Pair.Name)
	}
	return out
}

func TestCallSiteString(t *testing.T) {
	tests := []struct {
		site CallSite
		want string
	}{
		{serveHTTP, "net/http.Handler.ServeHTTP"},
		{CallSite{Package: "os", Method: "Exit"}, "os.Exit"},
		{CallSite{Package: "gopkg.in/yaml.v3", Receiver: "Decoder", Method: "Decode"}, "gopkg.in/yaml.v3.Decoder.Decode"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.site.String())
			parsed, err := ParseCallSite(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.site, parsed)
		})
	}
}

func TestParseCallSiteInvalid(t *testing.T) {
	for _, s := range []string{"", "noDots", "net/http.", "a..b", "pkg/"} {
		_, err := ParseCallSite(s)
		assert.ErrorIs(t, err, ErrInvalidCallSite, s)
	}
}

func TestCallSiteYAML(t *testing.T) {
	var out struct {
		Sites []CallSite `yaml:"sites"`
	}
	err := yaml.Unmarshal([]byte("sites:\n  - net/http.Handler.ServeHTTP\n  - os.Exit\n"), &out)
	require.NoError(t, err)
	assert.Equal(t, []CallSite{serveHTTP, {Package: "os", Method: "Exit"}}, out.Sites)
}

func TestRegisterAppendsInOrder(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register(serveHTTP, nil, before("first")))
	require.NoError(t, reg.Register(serveHTTP, nil, before("second")))
	require.NoError(t, reg.Register(serveHTTP, nil, before("third")))

	assert.Equal(t, []string{"first", "second", "third"}, names(reg.Resolve(serveHTTP)))
}

func TestResolveUnknownSite(t *testing.T) {
	reg := NewRegistry()
	reg.Seal()
	assert.True(t, reg.Resolve(serveHTTP).Empty())
}

func TestRegisterErrors(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(CallSite{}, nil, before("x"))
	assert.ErrorIs(t, err, ErrInvalidCallSite)

	err = reg.Register(serveHTTP, nil, Pair{Name: "empty"})
	assert.ErrorIs(t, err, ErrEmptyPair)

	err = reg.Register(serveHTTP, func() bool { return false }, before("guarded"))
	assert.ErrorIs(t, err, ErrGuardRejected)
	assert.True(t, reg.Resolve(serveHTTP).Empty())

	reg.Seal()
	reg.Seal()
	err = reg.Register(serveHTTP, nil, before("late"))
	assert.ErrorIs(t, err, ErrSealed)
}

func TestGuardEvaluatedOnce(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	guard := func() bool { calls++; return true }

	require.NoError(t, reg.Register(serveHTTP, guard, before("a")))
	reg.Seal()
	for i := 0; i < 5; i++ {
		reg.Resolve(serveHTTP)
	}
	assert.Equal(t, 1, calls)
}

func TestResolvedChainIsStable(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(serveHTTP, nil, before("a")))

	chain := reg.Resolve(serveHTTP)
	require.NoError(t, reg.Register(serveHTTP, nil, before("b")))

	assert.Equal(t, []string{"a"}, names(chain))
	assert.Equal(t, []string{"a", "b"}, names(reg.Resolve(serveHTTP)))
}

func TestRegistrarAllOrNothing(t *testing.T) {
	reg := NewRegistry()
	other := CallSite{Package: "net/http", Receiver: "RoundTripper", Method: "RoundTrip"}

	r := reg.Registrar("nethttp", []CallSite{serveHTTP})
	require.NoError(t, r.Register(serveHTTP, nil, Pair{Before: func(Invocation) error { return nil }}))
	assert.Equal(t, 1, r.Staged())
	assert.True(t, reg.Resolve(serveHTTP).Empty())

	err := r.Register(other, nil, before("x"))
	assert.ErrorIs(t, err, ErrUndeclaredCallSite)

	require.NoError(t, r.Commit())
	chain := reg.Resolve(serveHTTP)
	require.Len(t, chain, 1)
	assert.Equal(t, "nethttp", chain[0].Integration)
	assert.Equal(t, "nethttp", chain[0].Pair.Name)

	assert.ErrorIs(t, r.Commit(), ErrCommitted)
	assert.ErrorIs(t, r.Register(serveHTTP, nil, before("y")), ErrCommitted)
}

func TestRegistrarDiscard(t *testing.T) {
	reg := NewRegistry()

	r := reg.Registrar("broken", nil)
	require.NoError(t, r.Register(serveHTTP, nil, before("a")))
	r.Discard()
	require.NoError(t, r.Commit())

	assert.True(t, reg.Resolve(serveHTTP).Empty())
}

func TestRegistrarCommitAfterSeal(t *testing.T) {
	reg := NewRegistry()
	r := reg.Registrar("late", nil)
	require.NoError(t, r.Register(serveHTTP, nil, before("a")))

	reg.Seal()
	assert.ErrorIs(t, r.Commit(), ErrSealed)
	assert.True(t, reg.Resolve(serveHTTP).Empty())
}

func TestSitesSorted(t *testing.T) {
	reg := NewRegistry()
	b := CallSite{Package: "b", Method: "F"}
	a := CallSite{Package: "a", Method: "F"}
	require.NoError(t, reg.Register(b, nil, before("x")))
	require.NoError(t, reg.Register(a, nil, before("y")))

	assert.Equal(t, []CallSite{a, b}, reg.Sites())
}
