package hook

import (
	"fmt"
	"strings"
)

// CallSite identifies an interceptable function or method. It is comparable and
// used directly as a map key.
type CallSite struct {
	// Package is the import path, e.g. "net/http".
	Package string
	// Receiver is the type name for methods, empty for plain functions.
	Receiver string
	// Method is the function or method name.
	Method string
}

// IsZero reports whether the call site names nothing.
func (c CallSite) IsZero() bool {
	return c == CallSite{}
}

// Valid reports whether both the package and the method are set.
func (c CallSite) Valid() bool {
	return c.Package != "" && c.Method != ""
}

// String renders "pkg.Receiver.Method" or "pkg.Func".
func (c CallSite) String() string {
	if c.Receiver == "" {
		return c.Package + "." + c.Method
	}
	return c.Package + "." + c.Receiver + "." + c.Method
}

// MarshalText implements encoding.TextMarshaler.
func (c CallSite) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *CallSite) UnmarshalText(text []byte) error {
	parsed, err := ParseCallSite(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCallSite parses the String form. The last path element is split on dots: two
// parts name a function, three or more name a method whose receiver is the second to last.
func ParseCallSite(s string) (CallSite, error) {
	s = strings.TrimSpace(s)
	prefix, tail := "", s
	if i := strings.LastIndex(s, "/"); i >= 0 {
		prefix, tail = s[:i+1], s[i+1:]
	}

	parts := strings.Split(tail, ".")
	for _, p := range parts {
		if p == "" {
			return CallSite{}, fmt.Errorf("%w: %q", ErrInvalidCallSite, s)
		}
	}

	switch n := len(parts); {
	case n == 2:
		return CallSite{Package: prefix + parts[0], Method: parts[1]}, nil
	case n >= 3:
		return CallSite{
			Package:  prefix + strings.Join(parts[:n-2], "."),
			Receiver: parts[n-2],
			Method:   parts[n-1],
		}, nil
	default:
		return CallSite{}, fmt.Errorf("%w: %q", ErrInvalidCallSite, s)
	}
}
