package inject

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/dmorgan81/dalleserve/internal/config"
	"github.com/dmorgan81/dalleserve/internal/dalle"
	"github.com/dmorgan81/dalleserve/internal/feed"
	"github.com/dmorgan81/dalleserve/internal/handler"
	"github.com/dmorgan81/dalleserve/internal/log"
	"github.com/dmorgan81/dalleserve/internal/metrics"
	"github.com/dmorgan81/dalleserve/internal/page"
	"github.com/dmorgan81/dalleserve/internal/param"
	"github.com/dmorgan81/dalleserve/internal/postprocess"
	"github.com/dmorgan81/dalleserve/internal/registry"
	"github.com/dmorgan81/dalleserve/internal/server"
	"github.com/dmorgan81/dalleserve/internal/store"
	"github.com/dmorgan81/dalleserve/internal/tokenizer"
	"github.com/samber/do"
	"github.com/samber/lo"
)

// Setup registers every component. Nothing is constructed until first invoked,
// so AWS clients are only built when the configuration asks for them.
func Setup(ctx context.Context, cfg *config.Config) *do.Injector {
	log := log.FromContextOrDiscard(ctx)

	injector := do.NewWithOpts(&do.InjectorOpts{
		Logf: func(format string, args ...any) {
			log.Debug(fmt.Sprintf(format, args...))
		},
	})
	do.ProvideValue[context.Context](injector, ctx)

	do.Provide[aws.Config](injector, func(i *do.Injector) (aws.Config, error) {
		return awsconfig.LoadDefaultConfig(ctx)
	})
	do.Provide[*ssm.Client](injector, func(i *do.Injector) (*ssm.Client, error) {
		return ssm.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.Provide[*s3.Client](injector, func(i *do.Injector) (*s3.Client, error) {
		return s3.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})

	do.ProvideNamedValue[string](injector, "output_dir", cfg.OutputDir)
	do.ProvideNamedValue[string](injector, "bucket", cfg.Bucket)
	do.ProvideNamedValue[string](injector, "public_url", cfg.PublicURL)
	do.ProvideNamedValue[int](injector, "jpeg_quality", cfg.JPEGQuality)
	do.ProvideNamedValue[[]string](injector, "allow_origins", cfg.AllowOrigins)

	do.Provide[param.Fetcher](injector, lo.Ternary(cfg.ModelPathsParam != "", param.NewParameterStoreFetcher, param.NewFileFetcher))
	do.ProvideNamed[[]param.Entry](injector, "models", func(i *do.Injector) ([]param.Entry, error) {
		source := lo.Ternary(cfg.ModelPathsParam != "", cfg.ModelPathsParam, cfg.ModelPaths)
		return do.MustInvoke[param.Fetcher](i).Fetch(ctx, source)
	})

	do.Provide[registry.Loader](injector, func(i *do.Injector) (registry.Loader, error) {
		return &dalle.Loader{
			Hparams: dalle.Hparams{
				NumTextTokens: cfg.NumTextTokens,
				TextSeqLen:    cfg.TextSeqLen,
				ImageFmapSize: cfg.ImageFmapSize,
				ImageSize:     cfg.ImageSize,
				Temperature:   cfg.Temperature,
			},
			Seed: cfg.Seed,
		}, nil
	})
	do.Provide[*registry.Registry](injector, registry.NewRegistry)

	do.Provide[tokenizer.Tokenizer](injector, func(i *do.Injector) (tokenizer.Tokenizer, error) {
		opts := []tokenizer.Option{tokenizer.WithTruncate(cfg.TruncateText)}
		if cfg.VocabPath != "" {
			vocab, err := tokenizer.LoadVocabulary(cfg.VocabPath)
			if err != nil {
				return nil, err
			}
			opts = append(opts, tokenizer.WithVocabulary(vocab))
		}
		tok, err := tokenizer.NewSimple(cfg.NumTextTokens, opts...)
		if err != nil {
			return nil, err
		}
		return tok, nil
	})

	do.Provide[*store.FileUploader](injector, store.NewFileUploader)
	do.Provide[*store.S3Uploader](injector, store.NewS3Uploader)
	do.Provide[store.Uploader](injector, func(i *do.Injector) (store.Uploader, error) {
		files := do.MustInvoke[*store.FileUploader](i)
		if cfg.Bucket == "" {
			return files, nil
		}
		return store.MultiUploader{files, do.MustInvoke[*store.S3Uploader](i)}, nil
	})
	do.Provide[*postprocess.Processor](injector, postprocess.NewProcessor)

	do.Provide[*metrics.Provider](injector, func(i *do.Injector) (*metrics.Provider, error) {
		return metrics.NewProvider(ctx, cfg.OTLPEndpoint)
	})
	do.Provide[*metrics.Metrics](injector, metrics.NewMetrics)

	do.ProvideValue[handler.Options](injector, handler.Options{
		OutputDir:       cfg.OutputDir,
		BatchSize:       cfg.BatchSize,
		FilterThres:     cfg.FilterThres,
		MaxImages:       cfg.MaxImages,
		MaxPromptLength: cfg.MaxPromptLength,
		DirNameLength:   cfg.DirNameLength,
	})
	do.Provide[*handler.Handler](injector, handler.NewHandler)

	do.Provide[*page.Templator](injector, page.NewTemplator)
	do.Provide[*feed.Generator](injector, feed.NewGenerator)
	do.Provide[*server.Server](injector, server.NewServer)

	return injector
}
