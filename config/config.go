// Package config loads configuration structs from layered sources.
//
// Sources are applied in order, each overriding the previous one:
//
//  1. `default` struct tags
//  2. YAML files given with WithFile
//  3. the process environment, read through `env` struct tags; variables from
//     .env files given with WithDotEnv fill in only what the environment lacks
//
// Fields tagged `env:"NAME,required"` or `env:"NAME,notEmpty"` are validated last.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"

	"github.com/creasty/defaults"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	ErrRequired = errors.New("required but not set")
	ErrEmpty    = errors.New("must not be empty")
)

type options struct {
	files  []string
	dotenv []string
	prefix string
}

// Option configures Load.
type Option func(*options)

// WithFile adds a YAML file. Later files override earlier ones.
func WithFile(path string) Option {
	return func(o *options) {
		if path != "" {
			o.files = append(o.files, path)
		}
	}
}

// WithDotEnv reads variables from .env files. They never override variables already
// present in the process environment. Missing files are an error.
func WithDotEnv(paths ...string) Option {
	return func(o *options) {
		o.dotenv = append(o.dotenv, paths...)
	}
}

// WithPrefix is prepended to every env tag name.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// Load builds a T from its defaults, the configured files and the environment.
func Load[T any](opts ...Option) (T, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var cfg T
	if err := defaults.Set(&cfg); err != nil {
		return cfg, fmt.Errorf("config: defaults: %w", err)
	}

	for _, path := range o.files {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	var dotenv map[string]string
	if len(o.dotenv) > 0 {
		var err error
		if dotenv, err = godotenv.Read(o.dotenv...); err != nil {
			return cfg, fmt.Errorf("config: dotenv: %w", err)
		}
	}
	lookup := func(name string) (string, bool) {
		if v, ok := os.LookupEnv(name); ok {
			return v, true
		}
		v, ok := dotenv[name]
		return v, ok
	}

	v := reflect.ValueOf(&cfg).Elem()
	if err := parseStruct(v, o.prefix, lookup); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := validateStruct(v); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// From validates an existing configuration struct.
// This is useful when configuration comes from sources other than Load.
func From[T any](cfg T) (T, error) {
	v := reflect.ValueOf(&cfg).Elem()
	if err := validateStruct(v); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// parseStruct applies environment variables to the fields of a struct.
func parseStruct(v reflect.Value, prefix string, lookup func(string) (string, bool)) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if isNested(field) {
			if err := parseStruct(fieldVal, prefix+field.Tag.Get("envPrefix"), lookup); err != nil {
				return err
			}
			continue
		}

		tag := parseTag(field)
		if tag.Name == "" {
			continue
		}

		name := prefix + tag.Name
		val, ok := lookup(name)
		if !ok || val == "" {
			continue
		}
		if err := setValue(fieldVal, val); err != nil {
			return fmt.Errorf("field %s (%s): %w", field.Name, name, err)
		}
	}

	return nil
}

// validateStruct checks required and notEmpty fields.
func validateStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if isNested(field) {
			if err := validateStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		tag := parseTag(field)
		if tag.Required && fieldVal.IsZero() {
			return fmt.Errorf("field %s: %w", field.Name, ErrRequired)
		}
		if tag.NotEmpty && fieldVal.Kind() == reflect.String && fieldVal.String() == "" {
			return fmt.Errorf("field %s: %w", field.Name, ErrEmpty)
		}
	}

	return nil
}

func isNested(field reflect.StructField) bool {
	return field.Type.Kind() == reflect.Struct &&
		field.Type != reflect.TypeOf(struct{}{}) &&
		field.Tag.Get("env") == ""
}
