// Package httpsec tags inbound requests with security-relevant attributes.
//
// It hooks the same ServeHTTP call site as nethttp and is registered after it, so its
// before callback sees the server span as the active span. It has no after callback:
// by the time it would run, nethttp has already closed the server span.
package httpsec

import (
	"net"
	"net/http"
	"strings"

	"github.com/kzs0/tracehook/hook"
	"github.com/kzs0/tracehook/integration"
	"github.com/kzs0/tracehook/integrations/nethttp"
	"github.com/kzs0/tracehook/trace"
)

const Name = "httpsec"

const (
	TagClientIP = "http.client_ip"
	TagEvent    = "appsec.event"
	TagRule     = "appsec.rule"
)

// Rule flags a request when Match returns true.
type Rule struct {
	ID    string
	Match func(r *http.Request) bool
}

// DefaultRules flag well-known scanner user agents and path traversal attempts.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID: "ua-scanner",
			Match: func(r *http.Request) bool {
				ua := strings.ToLower(r.UserAgent())
				for _, s := range []string{"sqlmap", "nikto", "nmap", "masscan"} {
					if strings.Contains(ua, s) {
						return true
					}
				}
				return false
			},
		},
		{
			ID: "path-traversal",
			Match: func(r *http.Request) bool {
				return strings.Contains(r.URL.Path, "../") || strings.Contains(r.URL.RawQuery, "..%2f")
			},
		},
	}
}

// Config configures the security pair.
type Config struct {
	// Rules defaults to DefaultRules.
	Rules []Rule
	// ClientIPHeaders are checked in order before RemoteAddr.
	ClientIPHeaders []string
}

func (c Config) withDefaults() Config {
	if c.Rules == nil {
		c.Rules = DefaultRules()
	}
	if c.ClientIPHeaders == nil {
		c.ClientIPHeaders = []string{"X-Forwarded-For", "X-Real-Ip"}
	}
	return c
}

// Pair returns the hook pair. It relies on another pair having opened the server span.
func Pair(cfg Config) hook.Pair {
	cfg = cfg.withDefaults()

	return hook.Pair{
		Name: Name,
		Before: func(inv hook.Invocation) error {
			r, ok := inv.Arg(1).(*http.Request)
			if !ok || r == nil {
				return nil
			}
			span := trace.SpanFromContext(inv.Context())
			if ip := clientIP(r, cfg.ClientIPHeaders); ip != "" {
				span.SetTag(TagClientIP, ip)
			}
			for _, rule := range cfg.Rules {
				if rule.Match(r) {
					span.SetTag(TagEvent, true)
					span.SetTag(TagRule, rule.ID)
					inv.Logger().V(1).Info("request matched security rule", "rule", rule.ID)
					break
				}
			}
			return nil
		},
	}
}

func clientIP(r *http.Request, headers []string) string {
	for _, h := range headers {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		first, _, _ := strings.Cut(v, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return ""
}

// Descriptor returns the integration descriptor. It shares nethttp's call site and
// capability.
func Descriptor(cfg Config) integration.Descriptor {
	return integration.Descriptor{
		Name:      Name,
		Requires:  []string{nethttp.Capability},
		CallSites: []hook.CallSite{nethttp.ServeHTTP},
		Register: func(r *hook.Registrar) error {
			return r.Register(nethttp.ServeHTTP, nil, Pair(cfg))
		},
	}
}
