package propagation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kzs0/tracehook/internal"
)

// W3C Trace Context: https://www.w3.org/TR/trace-context/
//
// Traceparent format: version-trace-id-parent-id-trace-flags
// Example: 00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01
//
// Our own state rides in the "dd" tracestate member:
// dd=s:<priority>;o:<origin>;t.<tag>:<value>

const (
	traceparentHeader = "traceparent"
	tracestateHeader  = "tracestate"

	versionLen = 2
	traceIDLen = 32
	spanIDLen  = 16
	flagsLen   = 2
	fieldCount = 4
	minLength  = versionLen + 1 + traceIDLen + 1 + spanIDLen + 1 + flagsLen

	sampledFlag = 0x01

	maxTracestateEntries  = 32
	maxTracestateKeyLen   = 256
	maxTracestateValueLen = 256

	ddMemberKey = "dd"
)

var (
	ErrInvalidTraceparent = errors.New("invalid traceparent header")
	ErrInvalidTraceID     = errors.New("invalid trace-id: must be 32 lowercase hex characters and not all zeros")
	ErrInvalidSpanID      = errors.New("invalid parent-id: must be 16 lowercase hex characters and not all zeros")
	ErrInvalidVersion     = errors.New("invalid version: must be 2 hex characters")
	ErrUnsupportedVersion = errors.New("unsupported version")
	ErrInvalidFlags       = errors.New("invalid flags: must be 2 hex characters")
	ErrInvalidTracestate  = errors.New("invalid tracestate header")
)

// decodeTraceContext reads the two-field vocabulary. An invalid traceparent makes the
// scheme absent; an invalid tracestate is ignored on its own.
func decodeTraceContext(h map[string]string) (TraceContext, bool) {
	tp, ok := h[traceparentHeader]
	if !ok {
		return TraceContext{}, false
	}
	traceID, parentID, flags, err := parseTraceparent(strings.TrimSpace(tp))
	if err != nil {
		return TraceContext{}, false
	}

	tc := TraceContext{
		traceID:  traceID,
		parentID: parentID,
	}
	sampled := flags&sampledFlag != 0

	var dd ddMember
	if ts, ok := h[tracestateHeader]; ok {
		if entries, err := parseTracestate(ts); err == nil {
			for _, e := range entries {
				if e.key == ddMemberKey {
					dd = parseDDMember(e.value)
					continue
				}
				tc.vendorState = append(tc.vendorState, e.key+"="+e.value)
			}
		}
	}

	// The exact priority survives only when it agrees with the sampled flag.
	switch {
	case dd.hasPriority && dd.priority.Sampled() == sampled:
		tc.priority = dd.priority
	case sampled:
		tc.priority = PriorityAutoKeep
	default:
		tc.priority = PriorityAutoReject
	}
	tc.hasPriority = true
	tc.origin = dd.origin
	if len(dd.tags) > 0 {
		tc.tags = dd.tags
	}

	return tc, true
}

// encodeTraceContext writes traceparent and tracestate.
func encodeTraceContext(tc TraceContext, w TextMapWriter) {
	sampled := tc.hasPriority && tc.priority.Sampled()
	w.Set(traceparentHeader, formatTraceparent(tc.traceID, tc.parentID, sampled))

	members := make([]string, 0, len(tc.vendorState)+1)
	if m := formatDDMember(tc); m != "" {
		members = append(members, ddMemberKey+"="+m)
	}
	for _, m := range tc.vendorState {
		if strings.HasPrefix(m, ddMemberKey+"=") {
			continue
		}
		if len(members) == maxTracestateEntries {
			break
		}
		members = append(members, m)
	}
	if len(members) > 0 {
		w.Set(tracestateHeader, strings.Join(members, ","))
	}
}

// parseTraceparent parses a traceparent value into its trace ID, parent ID and flags.
func parseTraceparent(value string) (internal.TraceID, uint64, byte, error) {
	var zero internal.TraceID

	if len(value) < minLength {
		return zero, 0, 0, ErrInvalidTraceparent
	}

	fields := strings.Split(value, "-")
	if len(fields) < fieldCount {
		return zero, 0, 0, ErrInvalidTraceparent
	}

	version, traceIDHex, parentIDHex, flagsHex := fields[0], fields[1], fields[2], fields[3]

	if len(version) != versionLen || !isHex(version) {
		return zero, 0, 0, ErrInvalidVersion
	}
	if version == "ff" {
		return zero, 0, 0, ErrUnsupportedVersion
	}
	// Version 00 has exactly four fields; later versions may append more.
	if version == "00" && len(fields) != fieldCount {
		return zero, 0, 0, ErrInvalidTraceparent
	}

	if len(traceIDHex) != traceIDLen || !isLowercaseHex(traceIDHex) {
		return zero, 0, 0, ErrInvalidTraceID
	}
	traceID, err := internal.TraceIDFromHex(traceIDHex)
	if err != nil || traceID.Low == 0 {
		return zero, 0, 0, ErrInvalidTraceID
	}

	if len(parentIDHex) != spanIDLen || !isLowercaseHex(parentIDHex) {
		return zero, 0, 0, ErrInvalidSpanID
	}
	parentID, err := internal.Uint64FromHex(parentIDHex)
	if err != nil || parentID == 0 {
		return zero, 0, 0, ErrInvalidSpanID
	}

	if len(flagsHex) != flagsLen || !isHex(flagsHex) {
		return zero, 0, 0, ErrInvalidFlags
	}
	flags, err := hex.DecodeString(flagsHex)
	if err != nil {
		return zero, 0, 0, ErrInvalidFlags
	}

	return traceID, parentID, flags[0], nil
}

// formatTraceparent always emits version 00.
func formatTraceparent(traceID internal.TraceID, parentID uint64, sampled bool) string {
	flags := byte(0)
	if sampled {
		flags |= sampledFlag
	}
	return fmt.Sprintf("00-%s-%s-%02x", traceID.String(), internal.SpanIDHex(parentID), flags)
}

type tracestateEntry struct {
	key   string
	value string
}

// parseTracestate splits "k1=v1,k2=v2" preserving order. The first occurrence of a
// duplicated key wins.
func parseTracestate(value string) ([]tracestateEntry, error) {
	if value == "" {
		return nil, nil
	}

	parts := strings.Split(value, ",")
	entries := make([]tracestateEntry, 0, len(parts))
	seen := make(map[string]bool, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("%w: invalid entry format", ErrInvalidTracestate)
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		if !isValidTracestateKey(key) {
			return nil, fmt.Errorf("%w: invalid key format", ErrInvalidTracestate)
		}
		if !isValidTracestateValue(val) {
			return nil, fmt.Errorf("%w: invalid value format", ErrInvalidTracestate)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		entries = append(entries, tracestateEntry{key: key, value: val})
	}

	if len(entries) > maxTracestateEntries {
		return nil, fmt.Errorf("%w: too many entries (max %d)", ErrInvalidTracestate, maxTracestateEntries)
	}
	return entries, nil
}

type ddMember struct {
	priority    Priority
	hasPriority bool
	origin      string
	tags        map[string]string
}

// parseDDMember reads "s:1;o:rum;t.dm:-4". Unknown or malformed fields are skipped.
func parseDDMember(value string) ddMember {
	var m ddMember
	for _, field := range strings.Split(value, ";") {
		kv := strings.SplitN(field, ":", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := kv[0], kv[1]
		switch {
		case key == "s":
			if p, err := parsePriority(val); err == nil {
				m.priority = p
				m.hasPriority = true
			}
		case key == "o":
			m.origin = strings.ReplaceAll(val, "~", "=")
		case strings.HasPrefix(key, "t.") && len(key) > 2 && key != "t.tid":
			if m.tags == nil {
				m.tags = make(map[string]string)
			}
			m.tags[propagatedTagPrefix+key[2:]] = strings.ReplaceAll(val, "~", "=")
		}
	}
	return m
}

// formatDDMember builds the "dd" member value. Tags whose key or value cannot be
// represented are skipped.
func formatDDMember(tc TraceContext) string {
	fields := make([]string, 0, 2+len(tc.tags))
	if tc.hasPriority {
		fields = append(fields, fmt.Sprintf("s:%d", tc.priority))
	}
	if tc.origin != "" && isEncodableDDValue(tc.origin) {
		fields = append(fields, "o:"+strings.ReplaceAll(tc.origin, "=", "~"))
	}

	keys := make([]string, 0, len(tc.tags))
	for k := range tc.tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := tc.tags[k]
		short := strings.TrimPrefix(k, propagatedTagPrefix)
		if short == "" || strings.ContainsAny(short, ",;:=~ ") || !isEncodableDDValue(v) {
			continue
		}
		fields = append(fields, "t."+short+":"+strings.ReplaceAll(v, "=", "~"))
	}

	member := strings.Join(fields, ";")
	if len(member) > maxTracestateValueLen {
		return ""
	}
	return member
}

// isEncodableDDValue rejects characters that cannot survive the "dd" member encoding.
func isEncodableDDValue(v string) bool {
	if v == "" || v != strings.TrimSpace(v) {
		return false
	}
	for _, c := range v {
		if c < 0x20 || c > 0x7E || c == ',' || c == ';' || c == '~' {
			return false
		}
	}
	return true
}

// isValidTracestateKey validates a tracestate key.
// Simple key: lowercase alphanumeric, underscore, hyphen, asterisk, slash.
// Multi-tenant key: {tenant}@{system}.
func isValidTracestateKey(key string) bool {
	if key == "" || len(key) > maxTracestateKeyLen {
		return false
	}
	if strings.Contains(key, "@") {
		parts := strings.Split(key, "@")
		if len(parts) != 2 {
			return false
		}
		return isValidSimpleKey(parts[0]) && isValidSimpleKey(parts[1])
	}
	return isValidSimpleKey(key)
}

// isValidTracestateValue requires printable ASCII excluding comma and equals.
func isValidTracestateValue(value string) bool {
	if value == "" || len(value) > maxTracestateValueLen {
		return false
	}
	for _, c := range value {
		if c < 0x20 || c > 0x7E || c == ',' || c == '=' {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func isLowercaseHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func isValidSimpleKey(key string) bool {
	if key == "" {
		return false
	}
	for _, c := range key {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') &&
			c != '_' && c != '-' && c != '*' && c != '/' {
			return false
		}
	}
	return true
}
