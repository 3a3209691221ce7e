package param

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmorgan81/dalleserve/internal/log"
	"github.com/samber/do"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// FileFetcher reads a JSON object of name to weights path. Entries keep file order.
type FileFetcher struct{}

func NewFileFetcher(*do.Injector) (Fetcher, error) {
	return &FileFetcher{}, nil
}

func (*FileFetcher) Fetch(ctx context.Context, path string) ([]Entry, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("file").With("path", path)
	log.Info("reading model table")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model table: %w", err)
	}

	table := orderedmap.New[string, string]()
	if err := json.Unmarshal(data, table); err != nil {
		return nil, fmt.Errorf("parse model table %s: %w", path, err)
	}
	if table.Len() == 0 {
		return nil, ErrEmptyTable
	}

	entries := make([]Entry, 0, table.Len())
	for pair := table.Oldest(); pair != nil; pair = pair.Next() {
		entries = append(entries, Entry{Name: pair.Key, Path: pair.Value})
	}
	return entries, nil
}
