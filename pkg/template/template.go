// Package template provides the path-substitution language used to build step
// parameters from a run context.
//
// A template is literal text with {{a.b.c}} tokens. Each token resolves a dotted
// path into the context; numeric segments index arrays. A template made of a
// single token yields the referenced value with its type preserved. Any other
// template yields a string, and is absent when any of its tokens is absent.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/datachoreography/choreo/pkg/models"
)

var (
	ErrUnterminatedToken = errors.New("unterminated {{ token")
	ErrEmptyPath         = errors.New("empty path in {{ }} token")
)

// Value is the result of resolving a template. Absence is explicit.
type Value struct {
	value   any
	present bool
}

// Of returns a present value.
func Of(v any) Value {
	return Value{value: v, present: true}
}

// Absent returns the absent value.
func Absent() Value {
	return Value{}
}

// Present reports whether the value resolved.
func (v Value) Present() bool {
	return v.present
}

// Get returns the value and whether it is present.
func (v Value) Get() (any, bool) {
	return v.value, v.present
}

type part struct {
	literal string
	path    []string
}

func (p part) isPath() bool {
	return p.path != nil
}

// Template is a parsed template.
type Template struct {
	source string
	parts  []part
}

// Parse parses a template.
func Parse(source string) (*Template, error) {
	tmpl := &Template{source: source}
	rest := source

	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			if rest != "" {
				tmpl.parts = append(tmpl.parts, part{literal: rest})
			}

			return tmpl, nil
		}

		if start > 0 {
			tmpl.parts = append(tmpl.parts, part{literal: rest[:start]})
		}

		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return nil, fmt.Errorf("failed to parse template '%s': %w", source, ErrUnterminatedToken)
		}

		path, err := parsePath(rest[start+2 : start+end])
		if err != nil {
			return nil, fmt.Errorf("failed to parse template '%s': %w", source, err)
		}

		tmpl.parts = append(tmpl.parts, part{path: path})
		rest = rest[start+end+2:]
	}
}

func parsePath(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyPath
	}

	segments := strings.Split(raw, ".")
	for _, s := range segments {
		if s == "" {
			return nil, fmt.Errorf("%w: %q", ErrEmptyPath, raw)
		}
	}

	return segments, nil
}

// Resolve evaluates the template against an immutable snapshot of data.
func (t *Template) Resolve(data map[string]any) Value {
	if len(t.parts) == 1 && t.parts[0].isPath() {
		return lookup(data, t.parts[0].path)
	}

	var b strings.Builder

	for _, p := range t.parts {
		if !p.isPath() {
			b.WriteString(p.literal)

			continue
		}

		v, ok := lookup(data, p.path).Get()
		if !ok {
			return Absent()
		}

		b.WriteString(format(v))
	}

	return Of(b.String())
}

// Lookup resolves a dotted path.
func Lookup(data map[string]any, path string) Value {
	segments, err := parsePath(path)
	if err != nil {
		return Absent()
	}

	return lookup(data, segments)
}

func lookup(data map[string]any, path []string) Value {
	var current any = data

	for _, segment := range path {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return Absent()
			}

			current = next
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return Absent()
			}

			current = node[index]
		default:
			return Absent()
		}
	}

	return Of(models.CloneValue(current))
}

func format(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case nil:
		return "null"
	case map[string]any, []any:
		data, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}

		return string(data)
	default:
		return fmt.Sprint(typed)
	}
}

// ResolveMapping resolves every entry of an input mapping. Absent entries are
// omitted from params and reported, sorted, in missing.
func ResolveMapping(mapping map[string]string, data map[string]any) (params map[string]any, missing []string, err error) {
	params = make(map[string]any, len(mapping))

	for name, source := range mapping {
		tmpl, err := Parse(source)
		if err != nil {
			return nil, nil, fmt.Errorf("input %q: %w", name, err)
		}

		v, ok := tmpl.Resolve(data).Get()
		if !ok {
			missing = append(missing, name)

			continue
		}

		params[name] = v
	}

	sort.Strings(missing)

	return params, missing, nil
}
