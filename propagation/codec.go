package propagation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Scheme identifies a header vocabulary.
type Scheme int

const (
	// SchemeDatadog is the multi-field vocabulary (x-datadog-*).
	SchemeDatadog Scheme = iota + 1
	// SchemeTraceContext is the two-field W3C vocabulary (traceparent + tracestate).
	SchemeTraceContext
)

var ErrUnknownScheme = errors.New("unknown propagation scheme")

// String returns the configuration name of the scheme.
func (s Scheme) String() string {
	switch s {
	case SchemeDatadog:
		return "datadog"
	case SchemeTraceContext:
		return "tracecontext"
	default:
		return fmt.Sprintf("scheme(%d)", int(s))
	}
}

// ParseScheme parses a configuration name ("datadog" or "tracecontext").
func ParseScheme(name string) (Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "datadog":
		return SchemeDatadog, nil
	case "tracecontext", "w3c":
		return SchemeTraceContext, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
}

// ParseSchemes parses a list of configuration names.
func ParseSchemes(names []string) ([]Scheme, error) {
	schemes := make([]Scheme, 0, len(names))
	for _, n := range names {
		s, err := ParseScheme(n)
		if err != nil {
			return nil, err
		}
		schemes = append(schemes, s)
	}
	return schemes, nil
}

// Decode extracts a TraceContext from the carrier. The multi-field vocabulary is tried
// first, then the two-field one. The boolean is false when neither yields a valid context.
func Decode(r TextMapReader) (TraceContext, bool) {
	return decode(r, []Scheme{SchemeDatadog, SchemeTraceContext})
}

// DecodeScheme extracts a TraceContext using a single vocabulary.
func DecodeScheme(r TextMapReader, s Scheme) (TraceContext, bool) {
	return decode(r, []Scheme{s})
}

// Encode writes the fields of each requested scheme into the carrier.
// Nothing is written when no scheme is requested or the context is not valid.
func Encode(tc TraceContext, w TextMapWriter, schemes ...Scheme) {
	if !tc.IsValid() {
		return
	}
	for _, s := range dedupe(schemes) {
		switch s {
		case SchemeDatadog:
			encodeDatadog(tc, w)
		case SchemeTraceContext:
			encodeTraceContext(tc, w)
		}
	}
}

func decode(r TextMapReader, schemes []Scheme) (tc TraceContext, ok bool) {
	if r == nil {
		return TraceContext{}, false
	}
	defer func() {
		if recover() != nil {
			tc, ok = TraceContext{}, false
		}
	}()

	headers := readHeaders(r)
	for _, s := range ordered(schemes) {
		switch s {
		case SchemeDatadog:
			tc, ok = decodeDatadog(headers)
		case SchemeTraceContext:
			tc, ok = decodeTraceContext(headers)
		default:
			continue
		}
		if ok {
			return tc, true
		}
	}
	return TraceContext{}, false
}

// Config selects the schemes used on each side of a boundary.
type Config struct {
	// Inject lists the schemes written to outgoing carriers.
	Inject []Scheme
	// Extract lists the schemes read from incoming carriers. They are always
	// tried in the fixed datadog-then-tracecontext order.
	Extract []Scheme
}

// DefaultConfig injects and extracts both schemes.
func DefaultConfig() Config {
	return Config{
		Inject:  []Scheme{SchemeDatadog, SchemeTraceContext},
		Extract: []Scheme{SchemeDatadog, SchemeTraceContext},
	}
}

// InjectContext encodes tc into the carrier with the configured schemes.
func (c Config) InjectContext(tc TraceContext, w TextMapWriter) {
	Encode(tc, w, c.Inject...)
}

// ExtractContext decodes the carrier with the configured schemes.
func (c Config) ExtractContext(r TextMapReader) (TraceContext, bool) {
	return decode(r, c.Extract)
}

// ordered returns the schemes sorted into decode precedence.
func ordered(schemes []Scheme) []Scheme {
	out := dedupe(schemes)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func dedupe(schemes []Scheme) []Scheme {
	out := make([]Scheme, 0, len(schemes))
	seen := make(map[Scheme]bool, len(schemes))
	for _, s := range schemes {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
