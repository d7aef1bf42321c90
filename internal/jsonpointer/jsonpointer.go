// Package jsonpointer resolves RFC 6901 pointers against decoded JSON values.
package jsonpointer

import (
	"fmt"
	"strconv"
	"strings"
)

var decoder = strings.NewReplacer("~1", "/", "~0", "~")

// Split decomposes a pointer into decoded segments. An empty or root pointer
// yields no segments.
func Split(path string) ([]string, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "/" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("json pointer %q must start with '/'", path)
	}
	parts := strings.Split(path[1:], "/")
	for i, part := range parts {
		parts[i] = decoder.Replace(part)
	}
	return parts, nil
}

// Resolve walks doc, as produced by encoding/json into an any, along path.
func Resolve(doc any, path string) (any, error) {
	segments, err := Split(path)
	if err != nil {
		return nil, err
	}
	cur := doc
	for i, seg := range segments {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("json pointer %q: member %q not found", path, seg)
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) || (len(seg) > 1 && seg[0] == '0') {
				return nil, fmt.Errorf("json pointer %q: index %q out of range", path, seg)
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("json pointer %q: segment %d addresses a scalar", path, i)
		}
	}
	return cur, nil
}
