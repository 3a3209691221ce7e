package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/dmorgan81/dalleserve/internal/log"
	"github.com/samber/do"
)

type UploadParams struct {
	Name        string
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

type Uploader interface {
	Upload(context.Context, UploadParams) error
}

// Object is a stored file or directory, named relative to the store root.
type Object struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// FileUploader writes under Root. Names never resolve outside it.
type FileUploader struct {
	Root string
}

func NewFileUploader(i *do.Injector) (*FileUploader, error) {
	return &FileUploader{Root: do.MustInvokeNamed[string](i, "output_dir")}, nil
}

func (u *FileUploader) Upload(ctx context.Context, params UploadParams) error {
	path, err := securejoin.SecureJoin(u.Root, params.Name)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", params.Name, err)
	}

	log := log.FromContextOrDiscard(ctx).WithGroup("file")
	log.Debug("writing", "file", path, "bytes", len(params.Data))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, params.Data, 0o644)
}

// Dirs lists the directories under Root, newest first. A missing root is empty.
func (u *FileUploader) Dirs(context.Context) ([]Object, error) {
	objs, err := u.list(u.Root, true)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return objs, err
}

// Files lists the regular files of one directory under Root, by name.
func (u *FileUploader) Files(_ context.Context, dir string) ([]Object, error) {
	path, err := securejoin.SecureJoin(u.Root, dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}
	objs, err := u.list(path, false)
	if err != nil {
		return nil, err
	}
	sort.Slice(objs, func(a, b int) bool { return objs[a].Name < objs[b].Name })
	return objs, nil
}

func (u *FileUploader) list(path string, dirs bool) ([]Object, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	var objs []Object
	for _, e := range entries {
		if e.IsDir() != dirs || (!dirs && !e.Type().IsRegular()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		objs = append(objs, Object{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	if dirs {
		sort.Slice(objs, func(a, b int) bool { return objs[a].ModTime.After(objs[b].ModTime) })
	}
	return objs, nil
}

// MultiUploader uploads to each uploader in turn and stops at the first error.
type MultiUploader []Uploader

func (m MultiUploader) Upload(ctx context.Context, params UploadParams) error {
	for _, u := range m {
		if err := u.Upload(ctx, params); err != nil {
			return err
		}
	}
	return nil
}
