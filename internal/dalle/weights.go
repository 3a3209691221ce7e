package dalle

import (
	"errors"
	"fmt"
	"math"

	"github.com/nlpodyssey/gopickle/pytorch"
	"gonum.org/v1/gonum/mat"
)

const (
	keyWeights  = "weights"
	keyTextEmb  = "text_emb.weight"
	keyImageEmb = "image_emb.weight"
	keyLogits   = "to_logits.1.weight"
	keyBias     = "to_logits.1.bias"
	keyCodebook = "codebook.weight"
)

var ErrMissingTensor = errors.New("missing tensor")

// Weights are the tensors the generator needs. Logits and Bias cover image
// tokens only; Codebook maps each image token to an RGB colour.
type Weights struct {
	TextEmb  *mat.Dense
	ImageEmb *mat.Dense
	Logits   *mat.Dense
	Bias     *mat.VecDense
	Codebook *mat.Dense
}

func (w *Weights) NumImageTokens() int {
	r, _ := w.ImageEmb.Dims()
	return r
}

func (w *Weights) Dim() int {
	_, c := w.ImageEmb.Dims()
	return c
}

func (w *Weights) validate(hp Hparams) error {
	tr, tc := w.TextEmb.Dims()
	ir, ic := w.ImageEmb.Dims()
	lr, lc := w.Logits.Dims()
	cr, cc := w.Codebook.Dims()

	switch {
	case tr < hp.NumTextTokens:
		return fmt.Errorf("%s has %d rows, want at least %d", keyTextEmb, tr, hp.NumTextTokens)
	case tc != ic || lc != ic:
		return fmt.Errorf("embedding widths differ: text %d, image %d, logits %d", tc, ic, lc)
	case lr != ir:
		return fmt.Errorf("%s has %d image rows, want %d", keyLogits, lr, ir)
	case w.Bias.Len() != ir:
		return fmt.Errorf("%s has %d image entries, want %d", keyBias, w.Bias.Len(), ir)
	case cr != ir || cc != 3:
		return fmt.Errorf("%s is %dx%d, want %dx3", keyCodebook, cr, cc, ir)
	}
	return nil
}

type getter interface {
	Get(interface{}) (interface{}, bool)
}

// ReadWeights loads a torch checkpoint. Tensors are taken from its "weights"
// entry when present, otherwise from the top-level dict.
func ReadWeights(path string) (*Weights, error) {
	root, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	return parseWeights(root)
}

func parseWeights(root interface{}) (*Weights, error) {
	dict, ok := root.(getter)
	if !ok {
		return nil, fmt.Errorf("checkpoint is %T, want a dict", root)
	}
	if inner, ok := dict.Get(keyWeights); ok {
		if inner, ok := inner.(getter); ok {
			dict = inner
		}
	}

	var (
		w   Weights
		err error
	)
	if w.TextEmb, err = matrix(dict, keyTextEmb); err != nil {
		return nil, err
	}
	if w.ImageEmb, err = matrix(dict, keyImageEmb); err != nil {
		return nil, err
	}
	logits, err := matrix(dict, keyLogits)
	if err != nil {
		return nil, err
	}

	images := w.NumImageTokens()
	rows, cols := logits.Dims()
	if rows < images {
		return nil, fmt.Errorf("%s has %d rows, fewer than %d image tokens", keyLogits, rows, images)
	}
	w.Logits = mat.DenseCopyOf(logits.Slice(rows-images, rows, 0, cols))

	switch bias, err := vector(dict, keyBias); {
	case errors.Is(err, ErrMissingTensor):
		w.Bias = mat.NewVecDense(images, nil)
	case err != nil:
		return nil, err
	case bias.Len() < images:
		return nil, fmt.Errorf("%s has %d entries, fewer than %d image tokens", keyBias, bias.Len(), images)
	default:
		w.Bias = mat.VecDenseCopyOf(bias.SliceVec(bias.Len()-images, bias.Len()))
	}

	switch codebook, err := matrix(dict, keyCodebook); {
	case errors.Is(err, ErrMissingTensor):
		w.Codebook = deriveCodebook(w.ImageEmb)
	case err != nil:
		return nil, err
	default:
		w.Codebook = codebook
	}

	return &w, nil
}

// deriveCodebook squashes the first three embedding columns into [0, 1].
func deriveCodebook(emb *mat.Dense) *mat.Dense {
	rows, cols := emb.Dims()
	codebook := mat.NewDense(rows, 3, nil)
	for i := 0; i < rows; i++ {
		for c := 0; c < 3 && c < cols; c++ {
			codebook.Set(i, c, sigmoid(emb.At(i, c)))
		}
	}
	return codebook
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func tensor(dict getter, key string, dims int) (*pytorch.Tensor, []float64, error) {
	v, ok := dict.Get(key)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrMissingTensor, key)
	}
	t, ok := v.(*pytorch.Tensor)
	if !ok {
		return nil, nil, fmt.Errorf("%s is %T, want a tensor", key, v)
	}
	if len(t.Size) != dims || len(t.Stride) != dims {
		return nil, nil, fmt.Errorf("%s has %d dimensions, want %d", key, len(t.Size), dims)
	}

	var data []float64
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		data = widen(s.Data)
	case *pytorch.HalfStorage:
		data = widen(s.Data)
	case *pytorch.BFloat16Storage:
		data = widen(s.Data)
	case *pytorch.DoubleStorage:
		data = s.Data
	default:
		return nil, nil, fmt.Errorf("%s has unsupported storage %T", key, t.Source)
	}
	return t, data, nil
}

func matrix(dict getter, key string) (*mat.Dense, error) {
	t, data, err := tensor(dict, key, 2)
	if err != nil {
		return nil, err
	}

	rows, cols := t.Size[0], t.Size[1]
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("%s is empty", key)
	}
	last := t.StorageOffset + (rows-1)*t.Stride[0] + (cols-1)*t.Stride[1]
	if last >= len(data) {
		return nil, fmt.Errorf("%s exceeds its storage", key)
	}

	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, data[t.StorageOffset+i*t.Stride[0]+j*t.Stride[1]])
		}
	}
	return m, nil
}

func vector(dict getter, key string) (*mat.VecDense, error) {
	t, data, err := tensor(dict, key, 1)
	if err != nil {
		return nil, err
	}

	n := t.Size[0]
	if n == 0 {
		return nil, fmt.Errorf("%s is empty", key)
	}
	if t.StorageOffset+(n-1)*t.Stride[0] >= len(data) {
		return nil, fmt.Errorf("%s exceeds its storage", key)
	}

	v := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		v.SetVec(i, data[t.StorageOffset+i*t.Stride[0]])
	}
	return v, nil
}

func widen(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}
