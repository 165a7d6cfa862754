package config

import (
	"fmt"
	"reflect"

	"github.com/goccy/go-yaml"
)

// RedactedValue is the placeholder string used for redacted secrets.
const RedactedValue = "[REDACTED]"

// RedactConfig returns a deep copy of cfg with every field tagged
// `redact:"true"` replaced by RedactedValue. The original cfg is not mutated.
func RedactConfig(cfg *Config) (*Config, error) {
	// Deep copy via YAML round-trip.
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("redact: marshal failed: %w", err)
	}
	var cp Config
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("redact: unmarshal failed: %w", err)
	}
	redactFields(reflect.ValueOf(&cp).Elem())
	return &cp, nil
}

// redactFields walks nested structs. Tagged strings are replaced when
// non-empty; tagged string maps have every value replaced.
func redactFields(v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := v.Field(i)
		sf := t.Field(i)
		if !f.CanSet() {
			continue
		}
		secret := sf.Tag.Get("redact") == "true"

		switch f.Kind() {
		case reflect.Struct:
			redactFields(f)
		case reflect.String:
			if secret && f.String() != "" {
				f.SetString(RedactedValue)
			}
		case reflect.Map:
			if !secret || f.IsNil() || f.Type().Elem().Kind() != reflect.String {
				continue
			}
			for _, k := range f.MapKeys() {
				f.SetMapIndex(k, reflect.ValueOf(RedactedValue).Convert(f.Type().Elem()))
			}
		}
	}
}
