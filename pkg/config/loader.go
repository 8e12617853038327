// Package config loads layered service configuration: a base document,
// an environment document, a service document, then environment-variable
// overrides, deep-merged in that order. Later layers win. Documents are
// YAML; unknown keys survive the merge untouched so each binary decodes
// only the sections it owns.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	MaxFileBytes = 1 << 20 // 1 MiB per document
	MaxDepth     = 16
)

var (
	ErrInvalidRoot = errors.New("config: invalid root")
	ErrOversize    = errors.New("config: document too large")
	ErrMalformed   = errors.New("config: malformed document")
	ErrEscapesRoot = errors.New("config: path escapes root")
)

// Options selects which layer files the loader looks for under root.
type Options struct {
	// Service is the binary name (ingestapi, routeworker, deliveryworker);
	// a "<service>.yaml" layer is merged when present.
	Service string

	// Env selects "<env>.yaml" (e.g. local, staging, production).
	Env string

	// EnvPrefix scopes environment-variable overrides, e.g. "LEADFORGE".
	// LEADFORGE__SERVER__ADDR=:8080 sets server.addr.
	EnvPrefix string
}

// Loader resolves and merges config layers beneath a single root
// directory. Missing layer files are skipped silently; a present but
// malformed file is an error (fail loudly, never half-load).
type Loader struct {
	root string
	opts Options
}

// Bundle is the merged configuration.
type Bundle struct {
	Merged map[string]any
	// Layers lists the files that contributed, in merge order.
	Layers []string
}

func NewLoader(root string, opts Options) (*Loader, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidRoot
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, abs)
	}
	return &Loader{root: abs, opts: opts}, nil
}

// Load reads and merges every present layer.
func (l *Loader) Load(ctx context.Context) (*Bundle, error) {
	merged := map[string]any{}
	var layers []string

	for _, name := range l.layerFiles() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		doc, ok, err := l.readLayer(name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		merged, _ = Merge(merged, doc, MergeOptions{})
		layers = append(layers, name)
	}

	if l.opts.EnvPrefix != "" {
		overrides := envOverrides(l.opts.EnvPrefix)
		if len(overrides) > 0 {
			merged, _ = Merge(merged, overrides, MergeOptions{})
			layers = append(layers, "env:"+l.opts.EnvPrefix)
		}
	}

	return &Bundle{Merged: merged, Layers: layers}, nil
}

func (l *Loader) layerFiles() []string {
	files := []string{"base.yaml"}
	if env := strings.TrimSpace(l.opts.Env); env != "" {
		files = append(files, env+".yaml")
	}
	if svc := strings.TrimSpace(l.opts.Service); svc != "" {
		files = append(files, svc+".yaml")
	}
	return files
}

func (l *Loader) readLayer(name string) (map[string]any, bool, error) {
	abs := filepath.Join(l.root, filepath.Clean(name))
	if !strings.HasPrefix(abs, l.root+string(os.PathSeparator)) && abs != l.root {
		return nil, false, ErrEscapesRoot
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("config: read %s: %w", name, err)
	}
	if len(b) > MaxFileBytes {
		return nil, false, fmt.Errorf("%w: %s", ErrOversize, name)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, true, nil
}

// Decode maps the merged document onto a typed struct via a YAML
// round-trip, so the struct's yaml tags govern field names exactly as the
// layer files do.
func (b *Bundle) Decode(out any) error {
	raw, err := yaml.Marshal(b.Merged)
	if err != nil {
		return fmt.Errorf("config: re-marshal merged: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrMalformed, err)
	}
	return nil
}

// envOverrides turns PREFIX__SEG__SEG=value pairs into a nested override
// document. Segment names are lowercased; values parse as bool/int/float
// when they look like one, else stay strings.
func envOverrides(prefix string) map[string]any {
	prefix = strings.ToUpper(strings.TrimSpace(prefix)) + "__"
	out := map[string]any{}

	environ := os.Environ()
	sort.Strings(environ)
	for _, kv := range environ {
		eq := strings.Index(kv, "=")
		if eq <= 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		segs := strings.Split(strings.TrimPrefix(key, prefix), "__")
		clean := make([]string, 0, len(segs))
		for _, s := range segs {
			s = strings.ToLower(strings.TrimSpace(s))
			if s == "" {
				clean = nil
				break
			}
			clean = append(clean, s)
		}
		if len(clean) == 0 || len(clean) > MaxDepth {
			continue
		}
		setPath(out, clean, parseEnvValue(val))
	}
	return out
}

func parseEnvValue(s string) any {
	t := strings.TrimSpace(s)
	switch strings.ToLower(t) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(t, 10, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return f
	}
	return s
}

func setPath(root map[string]any, segs []string, val any) {
	cur := root
	for i, s := range segs {
		if i == len(segs)-1 {
			cur[s] = val
			return
		}
		next, ok := cur[s].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[s] = next
		}
		cur = next
	}
}
