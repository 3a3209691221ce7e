package handler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dmorgan81/dalleserve/internal/log"
	"github.com/dmorgan81/dalleserve/internal/metrics"
	"github.com/dmorgan81/dalleserve/internal/pipeline"
	"github.com/dmorgan81/dalleserve/internal/postprocess"
	"github.com/dmorgan81/dalleserve/internal/registry"
	"github.com/dmorgan81/dalleserve/internal/tokenizer"
	"github.com/samber/do"
)

var ErrInvalidInput = errors.New("invalid input")

// unresolvedModel labels metrics for requests that fail before a model is
// resolved, so caller-supplied names never become attribute values.
const unresolvedModel = "unknown"

type State string

const (
	StateReceived       State = "received"
	StateModelResolved  State = "model_resolved"
	StateTokenized      State = "tokenized"
	StateBatched        State = "batched"
	StateGenerating     State = "generating"
	StatePostProcessing State = "post_processing"
	StateAssembled      State = "assembled"
	StateReturned       State = "returned"
	StateFailed         State = "failed"
)

type Input struct {
	Text      string `json:"text"`
	NumImages int    `json:"num_images"`
	DalleName string `json:"dalle_name"`
}

// Output holds base64 JPEG payloads in request order.
type Output []string

type Options struct {
	OutputDir       string
	BatchSize       int
	FilterThres     float64
	MaxImages       int
	MaxPromptLength int
	DirNameLength   int
}

type Handler struct {
	registry  *registry.Registry
	tokenizer tokenizer.Tokenizer
	processor *postprocess.Processor
	metrics   *metrics.Metrics
	opts      Options
}

func New(reg *registry.Registry, tok tokenizer.Tokenizer, proc *postprocess.Processor, m *metrics.Metrics, opts Options) *Handler {
	return &Handler{
		registry:  reg,
		tokenizer: tok,
		processor: proc,
		metrics:   m,
		opts:      opts,
	}
}

func NewHandler(i *do.Injector) (*Handler, error) {
	return New(
		do.MustInvoke[*registry.Registry](i),
		do.MustInvoke[tokenizer.Tokenizer](i),
		do.MustInvoke[*postprocess.Processor](i),
		do.MustInvoke[*metrics.Metrics](i),
		do.MustInvoke[Options](i),
	), nil
}

func (h *Handler) Models() []string {
	return h.registry.Names()
}

func (h *Handler) validate(input Input) error {
	var errs []error
	if strings.TrimSpace(input.Text) == "" {
		errs = append(errs, errors.New("text is required"))
	} else if n := utf8.RuneCountInString(input.Text); n > h.opts.MaxPromptLength {
		errs = append(errs, fmt.Errorf("text is %d characters, limit %d", n, h.opts.MaxPromptLength))
	}
	if input.NumImages < 1 || input.NumImages > h.opts.MaxImages {
		errs = append(errs, fmt.Errorf("num_images must be in [1, %d], got %d", h.opts.MaxImages, input.NumImages))
	}
	if input.DalleName == "" {
		errs = append(errs, errors.New("dalle_name is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

func (h *Handler) Handle(ctx context.Context, input Input) (Output, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("handler").With("model", input.DalleName, "num_images", input.NumImages)
	start := time.Now()

	state := StateReceived
	model := unresolvedModel
	transition := func(next State) {
		log.Debug("state transition", "from", state, "to", next)
		state = next
	}
	fail := func(err error) (Output, error) {
		log.Error("request failed", "state", state, "error", err)
		transition(StateFailed)
		h.metrics.RecordRequest(ctx, model, string(state), time.Since(start))
		return nil, err
	}

	log.Info("handling generation request")
	if err := h.validate(input); err != nil {
		return fail(err)
	}

	entry, err := h.registry.Get(input.DalleName)
	if err != nil {
		return fail(err)
	}
	model = entry.Name
	transition(StateModelResolved)

	tokens, err := h.tokenizer.Tokenize(input.Text, entry.Generator.TextSeqLen())
	if err != nil {
		return fail(err)
	}
	transition(StateTokenized)

	batches, err := pipeline.Plan(tokens, input.NumImages, h.opts.BatchSize)
	if err != nil {
		return fail(err)
	}
	transition(StateBatched)

	transition(StateGenerating)
	generated, err := pipeline.Generate(ctx, entry.Generator, batches, h.opts.FilterThres, func(done, _, _ int) {
		h.metrics.RecordBatch(ctx, model, len(batches[done-1]))
	})
	if err != nil {
		return fail(err)
	}

	transition(StatePostProcessing)
	dir := postprocess.DirName(input.Text, h.opts.DirNameLength)
	encoded, err := h.processor.ProcessAll(ctx, generated, postprocess.Target{
		Dir:      dir,
		Metadata: map[string]string{"model": entry.Name},
	})
	if err != nil {
		return fail(err)
	}

	out, err := pipeline.Assemble(encoded, input.NumImages)
	if err != nil {
		return fail(err)
	}
	transition(StateAssembled)

	log.Info(fmt.Sprintf("created %d images at %q", len(out), filepath.Join(h.opts.OutputDir, dir)))
	transition(StateReturned)
	h.metrics.RecordRequest(ctx, model, string(state), time.Since(start))
	return Output(out), nil
}
