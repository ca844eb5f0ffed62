// Package secrets resolves credentials referenced by source
// configurations. A configuration names a secret by (store, key); the
// provider decides where that actually lives — process environment, a
// mounted secrets file, or a fixed map in tests.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotFound reports a secret reference that resolves to nothing.
var ErrNotFound = errors.New("secrets: not found")

// Provider resolves a (store, key) reference to a secret value.
type Provider interface {
	Get(ctx context.Context, store, key string) (string, error)
}

// EnvProvider reads secrets from the process environment as
// <PREFIX><STORE>_<KEY>, uppercased with dashes mapped to underscores.
type EnvProvider struct {
	// Prefix guards against collisions with unrelated variables.
	// Default: "INGESTD_SECRET_".
	Prefix string
}

func (p EnvProvider) Get(_ context.Context, store, key string) (string, error) {
	prefix := p.Prefix
	if prefix == "" {
		prefix = "INGESTD_SECRET_"
	}
	name := prefix + envName(store) + "_" + envName(key)
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("%w: %s/%s (env %s)", ErrNotFound, store, key, name)
	}
	return v, nil
}

func envName(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s))
}

// StaticProvider serves secrets from an in-memory map, keyed
// "store/key". For tests and single-node configs.
type StaticProvider map[string]string

func (p StaticProvider) Get(_ context.Context, store, key string) (string, error) {
	v, ok := p[store+"/"+key]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, store, key)
	}
	return v, nil
}

// LoadFile reads a YAML secrets file of the form
//
//	store-name:
//	  key-name: value
//
// into a StaticProvider. Typical for mounted secret volumes.
func LoadFile(path string) (StaticProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secrets: read %s: %w", path, err)
	}
	var stores map[string]map[string]string
	if err := yaml.Unmarshal(raw, &stores); err != nil {
		return nil, fmt.Errorf("secrets: parse %s: %w", path, err)
	}
	p := StaticProvider{}
	for store, keys := range stores {
		for key, value := range keys {
			p[store+"/"+key] = value
		}
	}
	return p, nil
}
