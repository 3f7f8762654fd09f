package writeback

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jackzampolin/screener/internal/library"
)

// ErrParentNotFound is returned when no collection matches the parent identifier.
var ErrParentNotFound = errors.New("parent collection not found")

// AmbiguousParentError is returned when a parent name matches more than one
// collection. Candidates holds the full paths of every match.
type AmbiguousParentError struct {
	Identifier string
	Candidates []string
}

func (e *AmbiguousParentError) Error() string {
	return fmt.Sprintf("parent %q is ambiguous, use one of: %s", e.Identifier, strings.Join(e.Candidates, "; "))
}

// Resolve finds the collection named by identifier: an exact key first,
// then a full slash-separated path, then a unique name.
func Resolve(ctx context.Context, lib library.Library, identifier string) (library.Collection, error) {
	cols, err := lib.Collections(ctx)
	if err != nil {
		return library.Collection{}, fmt.Errorf("list collections: %w", err)
	}
	return resolveIn(cols, identifier)
}

func resolveIn(cols []library.Collection, identifier string) (library.Collection, error) {
	id := strings.TrimSpace(identifier)
	if id == "" {
		return library.Collection{}, fmt.Errorf("%w: empty identifier", ErrParentNotFound)
	}
	byKey := library.Index(cols)
	if c, ok := byKey[id]; ok {
		return c, nil
	}

	if strings.Contains(id, "/") {
		want := normalizePath(id)
		var matches []library.Collection
		for _, c := range cols {
			if strings.EqualFold(library.Path(c, byKey), want) {
				matches = append(matches, c)
			}
		}
		if m, err := pick(id, matches, byKey); err == nil || !errors.Is(err, ErrParentNotFound) {
			return m, err
		}
	}

	var matches []library.Collection
	for _, c := range cols {
		if strings.EqualFold(strings.TrimSpace(c.Name), id) {
			matches = append(matches, c)
		}
	}
	return pick(id, matches, byKey)
}

func pick(id string, matches []library.Collection, byKey map[string]library.Collection) (library.Collection, error) {
	switch len(matches) {
	case 0:
		return library.Collection{}, fmt.Errorf("%w: %q", ErrParentNotFound, id)
	case 1:
		return matches[0], nil
	}
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, fmt.Sprintf("%s (%s)", library.Path(m, byKey), m.Key))
	}
	slices.Sort(paths)
	return library.Collection{}, &AmbiguousParentError{Identifier: id, Candidates: paths}
}

func normalizePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	out := parts[:0]
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return strings.Join(out, "/")
}
