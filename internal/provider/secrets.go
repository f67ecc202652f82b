package provider

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
)

// SecretSource resolves secret values for one reference scheme.
type SecretSource interface {
	Scheme() string
	Resolve(ctx context.Context, reference string) (string, error)
}

// EnvSource resolves ${env:NAME} references.
type EnvSource struct{}

func (EnvSource) Scheme() string { return "env" }

func (EnvSource) Resolve(_ context.Context, ref string) (string, error) {
	val, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", ref)
	}
	return val, nil
}

// FileSource resolves ${file:/path} references.
type FileSource struct {
	// AllowedPrefixes restricts readable paths. Empty allows all.
	AllowedPrefixes []string
}

func (FileSource) Scheme() string { return "file" }

func (f FileSource) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("file path is empty")
	}
	if len(f.AllowedPrefixes) > 0 {
		allowed := false
		for _, prefix := range f.AllowedPrefixes {
			if strings.HasPrefix(ref, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("file path %q not under any allowed prefix", ref)
		}
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("reading secret file %q: %w", ref, err)
	}
	return strings.TrimRight(string(data), " \t\r\n"), nil
}

// SecretDef is a configured secret. Value is either a literal or a
// ${scheme:reference} indirection resolved on every lookup.
type SecretDef struct {
	ID       string            `yaml:"id"`
	Value    string            `yaml:"value"`
	Metadata map[string]string `yaml:"metadata"`
}

var secretRefPattern = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

// Secrets is a SecretResolver over a static set of definitions.
type Secrets struct {
	mu      sync.RWMutex
	defs    map[string]SecretDef
	sources map[string]SecretSource
}

// NewSecrets creates a resolver with the env and file sources registered.
func NewSecrets(defs []SecretDef, sources ...SecretSource) *Secrets {
	s := &Secrets{
		defs:    make(map[string]SecretDef, len(defs)),
		sources: make(map[string]SecretSource),
	}
	for _, src := range append([]SecretSource{EnvSource{}, FileSource{}}, sources...) {
		s.sources[src.Scheme()] = src
	}
	for _, d := range defs {
		s.defs[d.ID] = d
	}
	return s
}

// Replace swaps the secret definitions, used on config reload.
func (s *Secrets) Replace(defs []SecretDef) {
	m := make(map[string]SecretDef, len(defs))
	for _, d := range defs {
		m[d.ID] = d
	}
	s.mu.Lock()
	s.defs = m
	s.mu.Unlock()
}

func (s *Secrets) ResolveSecret(ctx context.Context, ref string) (*Secret, error) {
	s.mu.RLock()
	def, ok := s.defs[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("secret %q: %w", ref, ErrNotFound)
	}

	value := def.Value
	if m := secretRefPattern.FindStringSubmatch(value); m != nil {
		src, ok := s.sources[m[1]]
		if !ok {
			return nil, fmt.Errorf("secret %q: unknown source scheme %q", ref, m[1])
		}
		v, err := src.Resolve(ctx, m[2])
		if err != nil {
			return nil, fmt.Errorf("secret %q: %w", ref, err)
		}
		value = v
	}
	return &Secret{Value: value, Metadata: def.Metadata}, nil
}
