package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kzs0/tracehook/integration"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	configFile, envFiles, output = "", nil, "yaml"
	extractSchemes, injectSchemes = nil, nil

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSplitHeader(t *testing.T) {
	tests := []struct {
		in    string
		key   string
		value string
		ok    bool
	}{
		{"x-datadog-trace-id=1234", "x-datadog-trace-id", "1234", true},
		{"Traceparent: 00-abc-def-01", "Traceparent", "00-abc-def-01", true},
		{"tracestate=dd=s:2;o:rum", "tracestate", "dd=s:2;o:rum", true},
		{"tracestate: dd=s:2", "tracestate", "dd=s:2", true},
		{"novalue", "", "", false},
		{"=1234", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			k, v, ok := splitHeader(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.key, k)
			assert.Equal(t, tt.value, v)
		})
	}
}

func TestDecodeArgs(t *testing.T) {
	out, err := execute(t, "", "decode", "-o", "json",
		"x-datadog-trace-id=1234",
		"x-datadog-parent-id=5678",
		"x-datadog-sampling-priority=2",
	)
	require.NoError(t, err)

	var v contextView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.True(t, v.Found)
	assert.Equal(t, "000000000000000000000000000004d2", v.TraceID)
	assert.Equal(t, "000000000000162e", v.ParentID)
	require.NotNil(t, v.SamplingPriority)
	assert.Equal(t, 2, *v.SamplingPriority)
	assert.Empty(t, v.Headers)
}

func TestDecodeStdinAndInject(t *testing.T) {
	stdin := "# captured request\nTraceparent: 00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01\n"
	out, err := execute(t, stdin, "decode", "--inject", "tracecontext")
	require.NoError(t, err)

	var v contextView
	require.NoError(t, yaml.Unmarshal([]byte(out), &v))
	assert.True(t, v.Found)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", v.TraceID)
	assert.Equal(t, "b7ad6b7169203331", v.ParentID)
	assert.Contains(t, v.Headers["traceparent"], "0af7651916cd43dd8448eb211c80319c")
}

func TestDecodeNotFound(t *testing.T) {
	out, err := execute(t, "", "decode", "-o", "json", "x-request-id=abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"found":false}`, out)
}

func TestDecodeErrors(t *testing.T) {
	_, err := execute(t, "", "decode", "garbage")
	assert.Error(t, err)

	_, err = execute(t, "", "decode", "--extract", "b3", "a=b")
	assert.Error(t, err)

	_, err = execute(t, "", "decode", "-o", "xml", "a=b")
	assert.Error(t, err)
}

func TestIntegrations(t *testing.T) {
	out, err := execute(t, "", "integrations", "-o", "json")
	require.NoError(t, err)

	var statuses []struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &statuses))
	require.Len(t, statuses, 4)
	for _, s := range statuses {
		assert.Equal(t, integration.Loaded.String(), s.State, s.Name)
	}
}

func TestDemo(t *testing.T) {
	out, err := execute(t, "", "demo", "-o", "json")
	require.NoError(t, err)

	var spans []spanView
	require.NoError(t, json.Unmarshal([]byte(out), &spans))

	names := map[string]int{}
	traces := map[string]bool{}
	for _, s := range spans {
		names[s.Name]++
		if s.Name == "http.request" {
			traces[s.TraceID] = true
		}
	}
	assert.Equal(t, 2, names["http.request"], "client and server span")
	assert.Len(t, traces, 1, "server continues the client trace")
	assert.Equal(t, 1, names["demo.publish"])
}
