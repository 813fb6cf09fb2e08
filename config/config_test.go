package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type SimpleConfig struct {
	Host    string        `yaml:"host" env:"SVC_HOST" default:"localhost"`
	Port    int           `yaml:"port" env:"SVC_PORT" default:"8080"`
	Timeout time.Duration `yaml:"timeout" env:"SVC_TIMEOUT" default:"5s"`
	Tags    []string      `yaml:"tags" env:"SVC_TAGS" default:"[\"a\",\"b\"]"`
}

type RequiredConfig struct {
	Name  string `env:"NAME,required"`
	Label string `env:"LABEL,notEmpty" default:"x"`
}

type NestedConfig struct {
	App struct {
		Name string `yaml:"name" env:"NAME"`
	} `yaml:"app" envPrefix:"APP_"`
	DB struct {
		Host string `yaml:"host" env:"HOST"`
		Port int    `yaml:"port" env:"PORT" default:"5432"`
	} `yaml:"db" envPrefix:"DB_"`
}

type TypesConfig struct {
	String   string            `env:"STRING"`
	Int      int               `env:"INT"`
	Int64    int64             `env:"INT64"`
	Uint8    uint8             `env:"UINT8"`
	Float    float64           `env:"FLOAT"`
	Bool     bool              `env:"BOOL"`
	Duration time.Duration     `env:"DURATION"`
	Strings  []string          `env:"STRINGS"`
	Map      map[string]int    `env:"MAP"`
	Level    level             `env:"LEVEL"`
	Ignored  string            `env:"-"`
	Labels   map[string]string `env:"LABELS"`
}

type level int

func (l *level) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "debug":
		*l = 1
	case "info":
		*l = 2
	default:
		return os.ErrInvalid
	}
	return nil
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load[SimpleConfig]()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, []string{"a", "b"}, cfg.Tags)
}

func TestLoadLayering(t *testing.T) {
	file := writeFile(t, "config.yaml", "host: file.example.com\nport: 9000\ntags: [x]\n")

	cfg, err := Load[SimpleConfig](WithFile(file))
	require.NoError(t, err)
	assert.Equal(t, "file.example.com", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, []string{"x"}, cfg.Tags)
	assert.Equal(t, 5*time.Second, cfg.Timeout)

	t.Setenv("SVC_PORT", "3000")
	t.Setenv("SVC_TAGS", "p, q")

	cfg, err = Load[SimpleConfig](WithFile(file))
	require.NoError(t, err)
	assert.Equal(t, "file.example.com", cfg.Host)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, []string{"p", "q"}, cfg.Tags)
}

func TestLoadDotEnv(t *testing.T) {
	dotenv := writeFile(t, ".env", "SVC_HOST=dotenv.example.com\nSVC_PORT=7000\n")
	t.Setenv("SVC_PORT", "3000")

	cfg, err := Load[SimpleConfig](WithDotEnv(dotenv))
	require.NoError(t, err)
	assert.Equal(t, "dotenv.example.com", cfg.Host)
	assert.Equal(t, 3000, cfg.Port, "real environment wins over .env")

	_, present := os.LookupEnv("SVC_HOST")
	assert.False(t, present, ".env must not leak into the process environment")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load[SimpleConfig](WithFile(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load[SimpleConfig](WithFile(writeFile(t, "bad.yaml", "port: [not, an, int]\n")))
	assert.Error(t, err)

	_, err = Load[SimpleConfig](WithDotEnv(filepath.Join(t.TempDir(), "missing.env")))
	assert.Error(t, err)

	t.Setenv("SVC_PORT", "eighty")
	_, err = Load[SimpleConfig]()
	assert.ErrorContains(t, err, "SVC_PORT")
}

func TestLoadRequired(t *testing.T) {
	_, err := Load[RequiredConfig]()
	assert.ErrorIs(t, err, ErrRequired)

	t.Setenv("NAME", "test")
	cfg, err := Load[RequiredConfig]()
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.Name)

	_, err = From(RequiredConfig{Name: "test"})
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestLoadWithPrefix(t *testing.T) {
	t.Setenv("MYAPP_SVC_HOST", "prefixed.com")
	t.Setenv("SVC_HOST", "unprefixed.com")

	cfg, err := Load[SimpleConfig](WithPrefix("MYAPP_"))
	require.NoError(t, err)
	assert.Equal(t, "prefixed.com", cfg.Host)
}

func TestLoadNested(t *testing.T) {
	file := writeFile(t, "config.yaml", "app:\n  name: fromfile\ndb:\n  host: db.local\n")
	t.Setenv("APP_NAME", "myapp")

	cfg, err := Load[NestedConfig](WithFile(file))
	require.NoError(t, err)
	assert.Equal(t, "myapp", cfg.App.Name)
	assert.Equal(t, "db.local", cfg.DB.Host)
	assert.Equal(t, 5432, cfg.DB.Port)
}

func TestLoadTypes(t *testing.T) {
	env := map[string]string{
		"STRING":   "hello",
		"INT":      "42",
		"INT64":    "9223372036854775807",
		"UINT8":    "255",
		"FLOAT":    "3.14",
		"BOOL":     "true",
		"DURATION": "5s",
		"STRINGS":  "a,b,,c",
		"MAP":      "x=1, y=2",
		"LEVEL":    "DEBUG",
		"LABELS":   "team=apm",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := Load[TypesConfig]()
	require.NoError(t, err)

	assert.Equal(t, "hello", cfg.String)
	assert.Equal(t, 42, cfg.Int)
	assert.Equal(t, int64(9223372036854775807), cfg.Int64)
	assert.Equal(t, uint8(255), cfg.Uint8)
	assert.Equal(t, 3.14, cfg.Float)
	assert.True(t, cfg.Bool)
	assert.Equal(t, 5*time.Second, cfg.Duration)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Strings)
	assert.Equal(t, map[string]int{"x": 1, "y": 2}, cfg.Map)
	assert.Equal(t, level(1), cfg.Level)
	assert.Equal(t, map[string]string{"team": "apm"}, cfg.Labels)
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"UINT8", "256"},
		{"BOOL", "maybe"},
		{"DURATION", "5 parsecs"},
		{"MAP", "novalue"},
		{"LEVEL", "loud"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load[TypesConfig]()
			assert.ErrorContains(t, err, tt.key)
		})
	}
}
