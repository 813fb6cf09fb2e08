package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kzs0/tracehook/internal"
	"github.com/kzs0/tracehook/propagation"
)

var (
	extractSchemes []string
	injectSchemes  []string
)

var decodeCmd = &cobra.Command{
	Use:   "decode [key=value ...]",
	Short: "decodes a trace context from headers",
	Long: `Decodes a trace context from headers given as key=value arguments, or read
from stdin one "Key: value" line at a time when no argument is given. With
--inject the context is encoded again and the resulting headers are printed.`,
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().StringSliceVar(&extractSchemes, "extract", nil, "schemes to decode (default from config)")
	decodeCmd.Flags().StringSliceVar(&injectSchemes, "inject", nil, "schemes to encode the decoded context with")
	rootCmd.AddCommand(decodeCmd)
}

type contextView struct {
	Found            bool              `json:"found" yaml:"found"`
	TraceID          string            `json:"traceId,omitempty" yaml:"traceId,omitempty"`
	ParentID         string            `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	SamplingPriority *int              `json:"samplingPriority,omitempty" yaml:"samplingPriority,omitempty"`
	Origin           string            `json:"origin,omitempty" yaml:"origin,omitempty"`
	Tags             map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	VendorState      []string          `json:"vendorState,omitempty" yaml:"vendorState,omitempty"`
	Headers          map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

func runDecode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	names := extractSchemes
	if len(names) == 0 {
		names = cfg.PropagationExtract
	}
	extract, err := propagation.ParseSchemes(names)
	if err != nil {
		return err
	}
	inject, err := propagation.ParseSchemes(injectSchemes)
	if err != nil {
		return err
	}

	var carrier propagation.TextMapCarrier
	if len(args) > 0 {
		carrier, err = parseHeaderArgs(args)
	} else {
		carrier, err = readHeaders(cmd.InOrStdin())
	}
	if err != nil {
		return err
	}

	pc := propagation.Config{Extract: extract, Inject: inject}
	tc, ok := pc.ExtractContext(carrier)
	return render(cmd.OutOrStdout(), output, newContextView(tc, ok, pc))
}

func newContextView(tc propagation.TraceContext, found bool, pc propagation.Config) contextView {
	if !found {
		return contextView{}
	}
	v := contextView{
		Found:       true,
		TraceID:     tc.TraceID().String(),
		ParentID:    internal.SpanIDHex(tc.ParentID()),
		Origin:      tc.Origin(),
		Tags:        tc.Tags(),
		VendorState: tc.VendorState(),
	}
	if p, ok := tc.Priority(); ok {
		n := int(p)
		v.SamplingPriority = &n
	}
	if len(pc.Inject) > 0 {
		out := propagation.TextMapCarrier{}
		pc.InjectContext(tc, out)
		v.Headers = out
	}
	return v
}

func parseHeaderArgs(args []string) (propagation.TextMapCarrier, error) {
	carrier := propagation.TextMapCarrier{}
	for _, arg := range args {
		k, v, ok := splitHeader(arg)
		if !ok {
			return nil, fmt.Errorf("invalid header %q, expected key=value", arg)
		}
		carrier[k] = v
	}
	return carrier, nil
}

func readHeaders(r io.Reader) (propagation.TextMapCarrier, error) {
	carrier := propagation.TextMapCarrier{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := splitHeader(line)
		if !ok {
			return nil, fmt.Errorf("invalid header line %q", line)
		}
		carrier[k] = v
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read headers: %w", err)
	}
	return carrier, nil
}

// splitHeader splits at the first ':' or '=', whichever comes first. Header names
// contain neither, values may contain both.
func splitHeader(s string) (key, value string, ok bool) {
	i := strings.IndexAny(s, ":=")
	if i <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:]), true
}
