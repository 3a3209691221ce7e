package param

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrEmptyTable = errors.New("model table is empty")

// Entry names a model and the path of its weights artifact.
type Entry struct {
	Name string
	Path string
}

type Fetcher interface {
	Fetch(context.Context, string) ([]Entry, error)
}

// ParseEntry parses a "name|path" pair.
func ParseEntry(s string) (Entry, error) {
	name, path, ok := strings.Cut(s, "|")
	name, path = strings.TrimSpace(name), strings.TrimSpace(path)
	if !ok || name == "" || path == "" {
		return Entry{}, fmt.Errorf("malformed model entry %q, want name|path", s)
	}
	return Entry{Name: name, Path: path}, nil
}
