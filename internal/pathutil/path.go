// Package pathutil expands user-supplied paths from flags, env and config
// files.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Expand resolves $VAR and ${VAR} tokens and a leading "~" in p. Relative
// results stay relative.
func Expand(p string) (string, error) {
	p = os.ExpandEnv(strings.TrimSpace(p))
	if p == "" || p[0] != '~' {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch {
	case len(p) == 1:
		return home, nil
	case p[1] == '/' || p[1] == '\\':
		return filepath.Join(home, p[2:]), nil
	default:
		// ~user is not supported.
		return p, nil
	}
}

// Abs expands p and makes it absolute. Empty input yields "".
func Abs(p string) (string, error) {
	expanded, err := Expand(p)
	if err != nil || expanded == "" {
		return expanded, err
	}
	return filepath.Abs(expanded)
}
