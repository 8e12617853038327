package config

import (
	"fmt"
	"sort"
)

// ArrayPolicy controls how list values combine across layers.
type ArrayPolicy string

const (
	ArrayReplace ArrayPolicy = "replace"
	ArrayAppend  ArrayPolicy = "append"
)

type MergeOptions struct {
	// Arrays defaults to replace: a later layer's list wins wholesale.
	// Append exists for additive lists (extra blocklist domains).
	Arrays ArrayPolicy

	MaxDepth int
}

type MergeWarning struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

type MergeReport struct {
	Warnings []MergeWarning `json:"warnings,omitempty"`
}

func (r MergeReport) HasWarnings() bool { return len(r.Warnings) > 0 }

func (r *MergeReport) warn(path, msg string) {
	if len(r.Warnings) >= 32 {
		return
	}
	r.Warnings = append(r.Warnings, MergeWarning{Path: path, Message: msg})
}

// Merge deep-merges src over dst and returns a new map; neither input is
// mutated. Map keys merge recursively; scalars and (by default) arrays
// from src replace dst. Type conflicts (map vs scalar) resolve to src
// with a warning.
func Merge(dst, src map[string]any, opts MergeOptions) (map[string]any, MergeReport) {
	if opts.Arrays == "" {
		opts.Arrays = ArrayReplace
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = MaxDepth
	}
	var rep MergeReport
	out := mergeMap(dst, src, "", 0, opts, &rep)
	return out, rep
}

// MergeMany folds layers left to right.
func MergeMany(layers []map[string]any, opts MergeOptions) (map[string]any, MergeReport) {
	out := map[string]any{}
	var rep MergeReport
	for _, layer := range layers {
		var r MergeReport
		out, r = Merge(out, layer, opts)
		rep.Warnings = append(rep.Warnings, r.Warnings...)
	}
	return out, rep
}

func mergeMap(dst, src map[string]any, path string, depth int, opts MergeOptions, rep *MergeReport) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	if depth >= opts.MaxDepth {
		rep.warn(path, "max depth exceeded; deeper keys replaced wholesale")
		for k, v := range src {
			out[k] = v
		}
		return out
	}

	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		childPath := k
		if path != "" {
			childPath = path + "." + k
		}
		sv := normalizeYAMLMap(src[k])
		dv, exists := out[k]
		if !exists {
			out[k] = sv
			continue
		}
		dmap, dIsMap := normalizeYAMLMap(dv).(map[string]any)
		smap, sIsMap := sv.(map[string]any)
		switch {
		case dIsMap && sIsMap:
			out[k] = mergeMap(dmap, smap, childPath, depth+1, opts, rep)
		case dIsMap != sIsMap:
			rep.warn(childPath, fmt.Sprintf("type conflict (%T over %T); later layer wins", sv, dv))
			out[k] = sv
		default:
			if sArr, ok := sv.([]any); ok && opts.Arrays == ArrayAppend {
				if dArr, ok := dv.([]any); ok {
					out[k] = append(append([]any{}, dArr...), sArr...)
					continue
				}
			}
			out[k] = sv
		}
	}
	return out
}

// normalizeYAMLMap converts yaml.v3's map[any]any nodes (produced for
// non-string keys) into map[string]any so merging stays uniform.
func normalizeYAMLMap(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprintf("%v", k)] = val
		}
		return out
	default:
		return v
	}
}
