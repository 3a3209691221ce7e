package feed

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dmorgan81/dalleserve/internal/log"
	"github.com/dmorgan81/dalleserve/internal/store"
	"github.com/gorilla/feeds"
	"github.com/samber/do"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const maxItems = 50

type lister interface {
	Dirs(context.Context) ([]store.Object, error)
	Files(context.Context, string) ([]store.Object, error)
}

// Generator builds an RSS feed of the most recent output directories.
type Generator struct {
	files     lister
	publicURL string
}

func New(files lister, publicURL string) *Generator {
	return &Generator{files: files, publicURL: strings.TrimSuffix(publicURL, "/")}
}

func NewGenerator(i *do.Injector) (*Generator, error) {
	return New(do.MustInvoke[*store.FileUploader](i), do.MustInvokeNamed[string](i, "public_url")), nil
}

func (g *Generator) Generate(ctx context.Context) ([]byte, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("feed")
	log.Info("generating rss feed")

	feed := feeds.Feed{
		Title:       "dalleserve",
		Description: "Recently generated images",
		Link:        &feeds.Link{Href: g.publicURL},
		Updated:     time.Now(),
	}

	dirs, err := g.files.Dirs(ctx)
	if err != nil {
		return nil, err
	}
	if len(dirs) > maxItems {
		dirs = dirs[:maxItems]
	}

	items := make([]*feeds.Item, len(dirs))
	group, ctx := errgroup.WithContext(ctx)
	for i, dir := range dirs {
		group.Go(func() error {
			files, err := g.files.Files(ctx, dir.Name)
			if err != nil {
				return err
			}
			images := lo.Filter(files, func(o store.Object, _ int) bool {
				return strings.HasSuffix(o.Name, ".jpg")
			})

			items[i] = &feeds.Item{
				Title:       strings.ReplaceAll(dir.Name, "_", " "),
				Link:        &feeds.Link{Href: fmt.Sprintf("%s/gallery/%s", g.publicURL, url.PathEscape(dir.Name))},
				Description: fmt.Sprintf("%d images", len(images)),
				Updated:     dir.ModTime,
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	feed.Items = items
	feed.Sort(func(a, b *feeds.Item) bool {
		return a.Updated.After(b.Updated)
	})
	rss, err := feed.ToRss()
	return []byte(rss), err
}
