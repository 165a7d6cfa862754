package config

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
)

// SecretProvider resolves secret references for a given scheme.
type SecretProvider interface {
	Scheme() string
	Resolve(ctx context.Context, reference string) (string, error)
}

// SecretRegistry maps schemes to providers.
type SecretRegistry struct {
	providers map[string]SecretProvider
}

// NewSecretRegistry creates a registry with the env and file providers.
func NewSecretRegistry() *SecretRegistry {
	r := &SecretRegistry{providers: make(map[string]SecretProvider)}
	r.Register(&EnvProvider{})
	r.Register(&FileProvider{})
	return r
}

// Register adds a provider, replacing any provider for the same scheme.
func (r *SecretRegistry) Register(p SecretProvider) {
	r.providers[p.Scheme()] = p
}

// Resolve looks up the provider for scheme and delegates resolution.
func (r *SecretRegistry) Resolve(ctx context.Context, scheme, reference string) (string, error) {
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("unknown secret provider scheme %q", scheme)
	}
	return p.Resolve(ctx, reference)
}

// secretRefPattern matches a whole value of the form ${scheme:reference}.
var secretRefPattern = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

// resolveSecretRefs replaces ${scheme:ref} values in cfg in place. It
// visits string fields of nested structs and string map values.
func resolveSecretRefs(ctx context.Context, cfg *Config, registry *SecretRegistry) error {
	return walkStrings(reflect.ValueOf(cfg).Elem(), "", func(path, val string) (string, error) {
		m := secretRefPattern.FindStringSubmatch(val)
		if m == nil {
			return val, nil
		}
		resolved, err := registry.Resolve(ctx, m[1], m[2])
		if err != nil {
			return "", fmt.Errorf("%s: secret ${%s:%s}: %w", path, m[1], m[2], err)
		}
		return resolved, nil
	})
}

func walkStrings(v reflect.Value, path string, fn func(path, val string) (string, error)) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := v.Field(i)
		sf := t.Field(i)
		if !f.CanSet() {
			continue
		}
		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}

		switch f.Kind() {
		case reflect.String:
			s, err := fn(fieldPath, f.String())
			if err != nil {
				return err
			}
			f.SetString(s)
		case reflect.Struct:
			if err := walkStrings(f, fieldPath, fn); err != nil {
				return err
			}
		case reflect.Map:
			if f.IsNil() || f.Type().Elem().Kind() != reflect.String {
				continue
			}
			for _, k := range f.MapKeys() {
				s, err := fn(fmt.Sprintf("%s[%s]", fieldPath, k), f.MapIndex(k).String())
				if err != nil {
					return err
				}
				f.SetMapIndex(k, reflect.ValueOf(s).Convert(f.Type().Elem()))
			}
		}
	}
	return nil
}
