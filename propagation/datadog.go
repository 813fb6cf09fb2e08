package propagation

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/kzs0/tracehook/internal"
)

const (
	ddTraceIDHeader  = "x-datadog-trace-id"
	ddParentIDHeader = "x-datadog-parent-id"
	ddPriorityHeader = "x-datadog-sampling-priority"
	ddOriginHeader   = "x-datadog-origin"
	ddTagsHeader     = "x-datadog-tags"

	// maxTagsHeaderLen bounds the serialized tag bag. A larger bag is not propagated at all.
	maxTagsHeaderLen = 512
)

var (
	ErrInvalidPriority = errors.New("invalid sampling priority")
	ErrInvalidTags     = errors.New("invalid propagated tags")
)

// decodeDatadog reads the multi-field vocabulary. Missing trace or parent IDs, or any
// present-but-invalid field other than the tag bag, make the whole scheme absent.
func decodeDatadog(h map[string]string) (TraceContext, bool) {
	rawTrace, ok := h[ddTraceIDHeader]
	if !ok {
		return TraceContext{}, false
	}
	traceLow, err := internal.ParseDecimalID(strings.TrimSpace(rawTrace))
	if err != nil {
		return TraceContext{}, false
	}

	rawParent, ok := h[ddParentIDHeader]
	if !ok {
		return TraceContext{}, false
	}
	parentID, err := internal.ParseDecimalID(strings.TrimSpace(rawParent))
	if err != nil {
		return TraceContext{}, false
	}

	tc := TraceContext{
		traceID:  internal.TraceID{Low: traceLow},
		parentID: parentID,
	}

	if raw, ok := h[ddPriorityHeader]; ok {
		p, err := parsePriority(strings.TrimSpace(raw))
		if err != nil {
			return TraceContext{}, false
		}
		tc.priority = p
		tc.hasPriority = true
	}

	if origin := h[ddOriginHeader]; origin != "" {
		tc.origin = origin
	}

	// A corrupted tag bag is dropped on its own; the identity is still usable.
	if raw, ok := h[ddTagsHeader]; ok {
		if tags, err := parseDatadogTags(raw); err == nil {
			if tid, ok := tags[traceIDHighTag]; ok {
				delete(tags, traceIDHighTag)
				if high, err := parseHighBits(tid); err == nil {
					tc.traceID.High = high
				}
			}
			if len(tags) > 0 {
				tc.tags = tags
			}
		}
	}

	return tc, true
}

// encodeDatadog writes the multi-field vocabulary.
func encodeDatadog(tc TraceContext, w TextMapWriter) {
	w.Set(ddTraceIDHeader, strconv.FormatUint(tc.traceID.Low, 10))
	w.Set(ddParentIDHeader, strconv.FormatUint(tc.parentID, 10))
	if tc.hasPriority {
		w.Set(ddPriorityHeader, strconv.Itoa(int(tc.priority)))
	}
	if tc.origin != "" {
		w.Set(ddOriginHeader, tc.origin)
	}

	tags := make(map[string]string, len(tc.tags)+1)
	for k, v := range tc.tags {
		tags[k] = v
	}
	if tc.traceID.High != 0 {
		tags[traceIDHighTag] = internal.SpanIDHex(tc.traceID.High)
	}
	if s := formatDatadogTags(tags); s != "" {
		w.Set(ddTagsHeader, s)
	}
}

func parsePriority(s string) (Priority, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, ErrInvalidPriority
	}
	p := Priority(n)
	if !p.Valid() {
		return 0, ErrInvalidPriority
	}
	return p, nil
}

func parseHighBits(s string) (uint64, error) {
	if !isLowercaseHex(s) {
		return 0, internal.ErrInvalidID
	}
	high, err := internal.Uint64FromHex(s)
	if err != nil {
		return 0, err
	}
	if high == 0 {
		return 0, internal.ErrZeroID
	}
	return high, nil
}

// parseDatadogTags parses "k1=v1,k2=v2". Any malformed entry invalidates the whole bag.
func parseDatadogTags(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	if len(s) > maxTagsHeaderLen {
		return nil, ErrInvalidTags
	}

	tags := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, ErrInvalidTags
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		if !strings.HasPrefix(key, propagatedTagPrefix) || !isValidTagKey(key) || !isValidTagValue(val) {
			return nil, ErrInvalidTags
		}
		tags[key] = val
	}
	return tags, nil
}

// formatDatadogTags serializes the bag with keys in sorted order. Unencodable entries
// are skipped; a bag exceeding the header limit is dropped entirely.
func formatDatadogTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		v := tags[k]
		if !isValidTagKey(k) || !isValidTagValue(v) {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(v)
	}

	if sb.Len() > maxTagsHeaderLen {
		return ""
	}
	return sb.String()
}

// isValidTagKey accepts printable ASCII without spaces, commas or equals signs.
func isValidTagKey(k string) bool {
	if k == "" {
		return false
	}
	for _, c := range k {
		if c <= 0x20 || c > 0x7E || c == ',' || c == '=' {
			return false
		}
	}
	return true
}

// isValidTagValue accepts printable ASCII without commas or surrounding spaces.
func isValidTagValue(v string) bool {
	if v == "" || v != strings.TrimSpace(v) {
		return false
	}
	for _, c := range v {
		if c < 0x20 || c > 0x7E || c == ',' {
			return false
		}
	}
	return true
}
