package propagation

import (
	"net/http"
	"strings"
)

// TextMapWriter allows setting key/value pairs of strings on the underlying carrier.
type TextMapWriter interface {
	// Set sets the given key/value pair.
	Set(key, val string)
}

// TextMapReader allows iterating over the key/value pairs of a carrier.
type TextMapReader interface {
	// ForeachKey calls handler for every key/value pair and returns the first error
	// returned by handler.
	ForeachKey(handler func(key, val string) error) error
}

// HTTPHeadersCarrier wraps http.Header as a carrier. Multiple values per key are allowed.
type HTTPHeadersCarrier http.Header

var (
	_ TextMapWriter = HTTPHeadersCarrier(nil)
	_ TextMapReader = HTTPHeadersCarrier(nil)
)

// Set implements TextMapWriter.
func (c HTTPHeadersCarrier) Set(key, val string) {
	http.Header(c).Set(key, val)
}

// ForeachKey implements TextMapReader.
func (c HTTPHeadersCarrier) ForeachKey(handler func(key, val string) error) error {
	for k, vals := range c {
		for _, v := range vals {
			if err := handler(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// TextMapCarrier wraps a plain string map as a carrier.
type TextMapCarrier map[string]string

var (
	_ TextMapWriter = TextMapCarrier(nil)
	_ TextMapReader = TextMapCarrier(nil)
)

// Set implements TextMapWriter.
func (c TextMapCarrier) Set(key, val string) {
	c[key] = val
}

// ForeachKey implements TextMapReader.
func (c TextMapCarrier) ForeachKey(handler func(key, val string) error) error {
	for k, v := range c {
		if err := handler(k, v); err != nil {
			return err
		}
	}
	return nil
}

// readHeaders lowercases keys and keeps the first value of each key, except for
// tracestate whose values are combined with commas per RFC 7230.
func readHeaders(r TextMapReader) map[string]string {
	headers := make(map[string]string)
	_ = r.ForeachKey(func(key, val string) error {
		k := strings.ToLower(key)
		switch k {
		case ddTraceIDHeader, ddParentIDHeader, ddPriorityHeader, ddOriginHeader, ddTagsHeader, traceparentHeader:
			if _, ok := headers[k]; !ok {
				headers[k] = val
			}
		case tracestateHeader:
			if prev, ok := headers[k]; ok && prev != "" {
				headers[k] = prev + "," + val
			} else {
				headers[k] = val
			}
		}
		return nil
	})
	return headers
}
