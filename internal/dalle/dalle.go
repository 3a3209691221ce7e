package dalle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmorgan81/dalleserve/internal/image"
	"github.com/dmorgan81/dalleserve/internal/log"
	"github.com/dmorgan81/dalleserve/internal/sample"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

type Hparams struct {
	NumTextTokens int
	TextSeqLen    int
	ImageFmapSize int
	ImageSize     int
	Temperature   float64
}

func DefaultHparams() Hparams {
	return Hparams{
		NumTextTokens: 10000,
		TextSeqLen:    80,
		ImageFmapSize: 16,
		ImageSize:     256,
		Temperature:   1.0,
	}
}

func (hp Hparams) Validate() error {
	var errs []error
	if hp.NumTextTokens < 2 {
		errs = append(errs, fmt.Errorf("num text tokens must be at least 2, got %d", hp.NumTextTokens))
	}
	if hp.TextSeqLen <= 0 {
		errs = append(errs, fmt.Errorf("text sequence length must be positive, got %d", hp.TextSeqLen))
	}
	if hp.ImageFmapSize <= 0 || hp.ImageSize <= 0 || hp.ImageSize%hp.ImageFmapSize != 0 {
		errs = append(errs, fmt.Errorf("image size %d is not a positive multiple of fmap size %d", hp.ImageSize, hp.ImageFmapSize))
	}
	if hp.Temperature <= 0 || hp.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature must be in (0, 2], got %g", hp.Temperature))
	}
	return errors.Join(errs...)
}

// Model generates images token by token from a text context. Calls to
// Generate are serialised: the sampler state is shared.
type Model struct {
	hp Hparams
	w  *Weights

	mu      sync.Mutex
	sampler sample.Sampler
}

var _ image.Generator = (*Model)(nil)

// New builds a model from weights. A zero seed picks a time-based one.
func New(hp Hparams, w *Weights, seed int64) (*Model, error) {
	if err := hp.Validate(); err != nil {
		return nil, err
	}
	if err := w.validate(hp); err != nil {
		return nil, err
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Model{
		hp:      hp,
		w:       w,
		sampler: sample.Weighted(rand.NewSource(uint64(seed))),
	}, nil
}

func Load(path string, hp Hparams, seed int64) (*Model, error) {
	w, err := ReadWeights(path)
	if err != nil {
		return nil, err
	}
	return New(hp, w, seed)
}

func (m *Model) TextSeqLen() int { return m.hp.TextSeqLen }

func (m *Model) ImageSize() int { return m.hp.ImageSize }

func (m *Model) Generate(ctx context.Context, rows [][]int32, filterThres float64) ([]image.Tensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := log.FromContextOrDiscard(ctx).WithGroup("dalle")
	start := time.Now()

	out := make([]image.Tensor, 0, len(rows))
	for _, row := range rows {
		codes, err := m.sampleCodes(row, filterThres)
		if err != nil {
			return nil, err
		}
		out = append(out, m.decode(codes))
	}

	log.Debug("generated batch", "rows", len(rows), "elapsed", time.Since(start))
	return out, nil
}

// textContext is the mean embedding of the non-padding tokens of a row.
func (m *Model) textContext(row []int32) (*mat.VecDense, error) {
	textRows, _ := m.w.TextEmb.Dims()
	h := mat.NewVecDense(m.w.Dim(), nil)

	var n int
	for _, id := range row {
		if id == 0 {
			continue
		}
		if id < 0 || int(id) >= m.hp.NumTextTokens || int(id) >= textRows {
			return nil, fmt.Errorf("token id %d out of range [0, %d)", id, m.hp.NumTextTokens)
		}
		h.AddVec(h, m.w.TextEmb.RowView(int(id)))
		n++
	}
	if n > 0 {
		h.ScaleVec(1/float64(n), h)
	}
	return h, nil
}

func (m *Model) sampleCodes(row []int32, filterThres float64) ([]int, error) {
	h0, err := m.textContext(row)
	if err != nil {
		return nil, err
	}

	transforms := []sample.Transform{
		sample.FilterThreshold(filterThres),
		sample.Temperature(m.hp.Temperature),
	}

	positions := m.hp.ImageFmapSize * m.hp.ImageFmapSize
	codes := make([]int, positions)
	h := mat.VecDenseCopyOf(h0)
	logits := mat.NewVecDense(m.w.NumImageTokens(), nil)
	for p := range codes {
		logits.MulVec(m.w.Logits, h)
		logits.AddVec(logits, m.w.Bias)

		code, err := m.sampler.Sample(logits.RawVector().Data, transforms...)
		if err != nil {
			return nil, fmt.Errorf("sample position %d: %w", p, err)
		}
		codes[p] = code
		h.AddVec(h0, m.w.ImageEmb.RowView(code))
	}
	return codes, nil
}

// decode paints each code as a square patch coloured from the codebook.
func (m *Model) decode(codes []int) image.Tensor {
	fmap := m.hp.ImageFmapSize
	patch := m.hp.ImageSize / fmap
	t := image.NewTensor(3, m.hp.ImageSize, m.hp.ImageSize)

	for p, code := range codes {
		py, px := p/fmap, p%fmap
		for c := 0; c < 3; c++ {
			v := float32(min(max(m.w.Codebook.At(code, c), 0), 1))
			for y := py * patch; y < (py+1)*patch; y++ {
				for x := px * patch; x < (px+1)*patch; x++ {
					t.Set(c, y, x, v)
				}
			}
		}
	}
	return t
}

// Loader loads checkpoints with fixed hyperparameters.
type Loader struct {
	Hparams Hparams
	Seed    int64
}

func (l *Loader) Load(ctx context.Context, path string) (image.Generator, error) {
	log.FromContextOrDiscard(ctx).WithGroup("dalle").Info("reading checkpoint", "path", path)
	m, err := Load(path, l.Hparams, l.Seed)
	if err != nil {
		return nil, err
	}
	return m, nil
}
