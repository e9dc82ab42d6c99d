// Package target turns operator-typed patterns into concrete node sets.
//
// A target expression is either a name glob ("worker*"), an attribute filter
// ("state=running", "tags=env:dev"), or empty, which selects every known
// node. Globs are case-sensitive shell globs: '*', '?', and bracket classes.
package target

import (
	"fmt"
	"path"
	"strings"

	"github.com/rileyhilliard/herd/internal/errors"
	"github.com/rileyhilliard/herd/internal/registry"
)

// Kind discriminates the forms a target expression can take.
type Kind int

const (
	// KindAll selects every node in the snapshot ("" or "*").
	KindAll Kind = iota
	// KindName matches the node display name against a glob.
	KindName
	// KindFilter matches one attribute value against a glob (key=pattern).
	KindFilter
	// KindTags matches a single tag entry (tags=key:pattern, both glob-capable).
	KindTags
)

// Expression is a parsed target expression. Pure value type.
type Expression struct {
	Kind Kind
	Raw  string

	// Key and Pattern for KindFilter; for KindTags Key holds the tag-key
	// glob and Pattern the tag-value glob. For KindName only Pattern is set.
	Key     string
	Pattern string
}

// Parse splits a raw target string into an Expression. It never touches the
// registry; an expression that matches nothing is still valid.
func Parse(raw string) (Expression, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return Expression{Kind: KindAll, Raw: raw}, nil
	}

	if key, val, found := strings.Cut(raw, "="); found {
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if key == "" || val == "" {
			return Expression{}, errors.New(errors.ErrResolve,
				fmt.Sprintf("Bad filter expression '%s'", raw),
				"Use key=pattern, e.g. state=running or tags=env:dev")
		}
		if key == "tags" {
			tagKey, tagVal, ok := cutTagFilter(val)
			if !ok {
				return Expression{}, errors.New(errors.ErrResolve,
					fmt.Sprintf("Bad tag filter '%s'", raw),
					"Use tags=key:pattern, wildcards allowed on key and pattern")
			}
			return Expression{Kind: KindTags, Raw: raw, Key: tagKey, Pattern: tagVal}, nil
		}
		return Expression{Kind: KindFilter, Raw: raw, Key: key, Pattern: val}, nil
	}

	return Expression{Kind: KindName, Raw: raw, Pattern: raw}, nil
}

// cutTagFilter splits "key:pattern" on the last colon, tolerating quoted keys
// that themselves contain colons.
func cutTagFilter(val string) (string, string, bool) {
	pos := strings.LastIndex(val, ":")
	if pos <= 0 || pos == len(val)-1 {
		return "", "", false
	}
	key := val[:pos]
	if len(key) >= 2 && key[0] == '"' && key[len(key)-1] == '"' {
		key = key[1 : len(key)-1]
	}
	if key == "" {
		return "", "", false
	}
	return key, val[pos+1:], true
}

// Resolve returns the ordered subset of nodes matching the expression.
// Order is the snapshot's stable enumeration order. The input slice is never
// mutated. An empty result is not an error; callers report it as a no-op.
func Resolve(expr Expression, nodes []*registry.Node) ([]*registry.Node, error) {
	if expr.Kind == KindAll {
		out := make([]*registry.Node, len(nodes))
		copy(out, nodes)
		return out, nil
	}

	var out []*registry.Node
	for _, n := range nodes {
		ok, err := matches(expr, n)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func matches(expr Expression, n *registry.Node) (bool, error) {
	switch expr.Kind {
	case KindName:
		// Nodes without a display name are excluded from name resolution.
		if n.Name == "" {
			return false, nil
		}
		return glob(expr.Pattern, n.Name)

	case KindFilter:
		val, ok := n.Attr(expr.Key)
		if !ok {
			return false, nil
		}
		return glob(expr.Pattern, val)

	case KindTags:
		for tagKey, tagVal := range n.Tags {
			keyOK, err := glob(expr.Key, tagKey)
			if err != nil {
				return false, err
			}
			if !keyOK {
				continue
			}
			valOK, err := glob(expr.Pattern, tagVal)
			if err != nil {
				return false, err
			}
			if valOK {
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

// glob wraps path.Match with a structured error for malformed patterns.
func glob(pattern, value string) (bool, error) {
	ok, err := path.Match(pattern, value)
	if err != nil {
		return false, errors.WrapWithCode(err, errors.ErrResolve,
			fmt.Sprintf("Bad glob pattern '%s'", pattern),
			"Check for an unclosed '[' bracket class")
	}
	return ok, nil
}
