package config

import (
	"encoding"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var (
	durationType        = reflect.TypeOf(time.Duration(0))
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

// tag is a parsed `env` struct tag: `env:"NAME,required,notEmpty"`.
type tag struct {
	Name     string
	Required bool
	NotEmpty bool
}

func parseTag(field reflect.StructField) tag {
	raw := field.Tag.Get("env")
	if raw == "" || raw == "-" {
		return tag{}
	}

	name, rest, _ := strings.Cut(raw, ",")
	t := tag{Name: name}
	for _, opt := range strings.Split(rest, ",") {
		switch opt {
		case "required":
			t.Required = true
		case "notEmpty":
			t.NotEmpty = true
		}
	}
	return t
}

// setValue parses s into v. Types implementing encoding.TextUnmarshaler parse
// themselves; slices are comma-separated and maps are comma-separated key=value pairs.
func setValue(v reflect.Value, s string) error {
	if v.CanAddr() && v.Addr().Type().Implements(textUnmarshalerType) {
		return v.Addr().Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(s))
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(s)

	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("invalid bool: %w", err)
		}
		v.SetBool(b)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v.Type() == durationType {
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			v.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid int: %w", err)
		}
		v.SetInt(i)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid uint: %w", err)
		}
		v.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid float: %w", err)
		}
		v.SetFloat(f)

	case reflect.Slice:
		return setSlice(v, s)

	case reflect.Map:
		return setMap(v, s)

	default:
		return fmt.Errorf("unsupported type: %s", v.Type())
	}
	return nil
}

func setSlice(v reflect.Value, s string) error {
	parts := strings.Split(s, ",")
	slice := reflect.MakeSlice(v.Type(), 0, len(parts))

	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		elem := reflect.New(v.Type().Elem()).Elem()
		if err := setValue(elem, part); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
		slice = reflect.Append(slice, elem)
	}

	v.Set(slice)
	return nil
}

func setMap(v reflect.Value, s string) error {
	m := reflect.MakeMap(v.Type())

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, val, ok := strings.Cut(part, "=")
		if !ok {
			return fmt.Errorf("invalid map entry: %s", part)
		}

		key := reflect.New(v.Type().Key()).Elem()
		if err := setValue(key, strings.TrimSpace(k)); err != nil {
			return fmt.Errorf("map key: %w", err)
		}
		elem := reflect.New(v.Type().Elem()).Elem()
		if err := setValue(elem, strings.TrimSpace(val)); err != nil {
			return fmt.Errorf("map value: %w", err)
		}
		m.SetMapIndex(key, elem)
	}

	v.Set(m)
	return nil
}
