package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	goimage "image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dmorgan81/dalleserve/internal/image"
	"github.com/dmorgan81/dalleserve/internal/metrics"
	"github.com/dmorgan81/dalleserve/internal/param"
	"github.com/dmorgan81/dalleserve/internal/pipeline"
	"github.com/dmorgan81/dalleserve/internal/postprocess"
	"github.com/dmorgan81/dalleserve/internal/registry"
	"github.com/dmorgan81/dalleserve/internal/store"
	"github.com/dmorgan81/dalleserve/internal/tokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const imageSize = 16

// fakeGenerator paints red and green gradients spanning [0, 1] and a blue
// level unique to each image it has produced.
type fakeGenerator struct {
	mu     sync.Mutex
	calls  int
	images int
	err    error
}

func (g *fakeGenerator) Generate(_ context.Context, rows [][]int32, _ float64) ([]image.Tensor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}

	out := make([]image.Tensor, len(rows))
	for i := range out {
		g.images++
		out[i] = gradient(blueFor(g.images - 1))
	}
	return out, nil
}

func (*fakeGenerator) TextSeqLen() int { return 8 }
func (*fakeGenerator) ImageSize() int  { return imageSize }

func blueFor(index int) float32 {
	return float32(index+1) / 16
}

func gradient(blue float32) image.Tensor {
	t := image.NewTensor(3, imageSize, imageSize)
	for y := 0; y < imageSize; y++ {
		for x := 0; x < imageSize; x++ {
			t.Set(0, y, x, float32(x)/(imageSize-1))
			t.Set(1, y, x, float32(y)/(imageSize-1))
			t.Set(2, y, x, blue)
		}
	}
	return t
}

type fakeLoader struct{ gen *fakeGenerator }

func (l fakeLoader) Load(context.Context, string) (image.Generator, error) {
	return l.gen, nil
}

type fixture struct {
	handler *Handler
	gen     *fakeGenerator
	root    string
	reader  *sdkmetric.ManualReader
}

func setup(t *testing.T) *fixture {
	t.Helper()

	weights := filepath.Join(t.TempDir(), "birds.pt")
	require.NoError(t, os.WriteFile(weights, []byte("weights"), 0o644))

	gen := &fakeGenerator{}
	reg, err := registry.New(context.Background(), []param.Entry{{Name: "birds", Path: weights}}, fakeLoader{gen})
	require.NoError(t, err)

	tok, err := tokenizer.NewSimple(10000)
	require.NoError(t, err)

	reader := sdkmetric.NewManualReader()
	m, err := metrics.New(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	root := filepath.Join(t.TempDir(), "testing")
	proc := postprocess.New(&store.FileUploader{Root: root}, postprocess.DefaultQuality)

	h := New(reg, tok, proc, m, Options{
		OutputDir:       root,
		BatchSize:       4,
		FilterThres:     0.9,
		MaxImages:       64,
		MaxPromptLength: 100,
		DirNameLength:   100,
	})
	return &fixture{handler: h, gen: gen, root: root, reader: reader}
}

func meanBlue(t *testing.T, data []byte) float64 {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return meanChannel(img)
}

func meanChannel(img goimage.Image) float64 {
	var sum float64
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			_, _, blue, _ := img.At(x, y).RGBA()
			sum += float64(blue >> 8)
		}
	}
	return sum / float64(b.Dx()*b.Dy())
}

func TestHandleRedFox(t *testing.T) {
	f := setup(t)

	out, err := f.handler.Handle(context.Background(), Input{Text: "a red fox", NumImages: 2, DalleName: "birds"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 1, f.gen.calls)

	for i, payload := range out {
		data, err := base64.StdEncoding.DecodeString(payload)
		require.NoError(t, err)

		file, err := os.ReadFile(filepath.Join(f.root, "a_red_fox", []string{"0.jpg", "1.jpg"}[i]))
		require.NoError(t, err)

		want := float64(blueFor(i)) * 255
		assert.InDelta(t, want, meanBlue(t, data), 12, "payload %d", i)
		assert.InDelta(t, meanBlue(t, file), meanBlue(t, data), 12, "file %d matches payload", i)
	}
}

func TestHandleBatchesInOrder(t *testing.T) {
	f := setup(t)

	out, err := f.handler.Handle(context.Background(), Input{Text: "owls at dusk", NumImages: 10, DalleName: "birds"})
	require.NoError(t, err)
	require.Len(t, out, 10)
	assert.Equal(t, 3, f.gen.calls)

	for i, payload := range out {
		data, err := base64.StdEncoding.DecodeString(payload)
		require.NoError(t, err)
		assert.InDelta(t, float64(blueFor(i))*255, meanBlue(t, data), 12, "payload %d", i)
	}

	entries, err := os.ReadDir(filepath.Join(f.root, "owls_at_dusk"))
	require.NoError(t, err)
	assert.Len(t, entries, 10)
}

func TestHandleUnknownModel(t *testing.T) {
	f := setup(t)

	_, err := f.handler.Handle(context.Background(), Input{Text: "a red fox", NumImages: 2, DalleName: "nonexistent"})
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Zero(t, f.gen.calls)

	_, err = os.Stat(f.root)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestHandleInvalidInput(t *testing.T) {
	f := setup(t)

	tests := map[string]Input{
		"empty text":     {Text: "  ", NumImages: 1, DalleName: "birds"},
		"zero images":    {Text: "fox", NumImages: 0, DalleName: "birds"},
		"too many":       {Text: "fox", NumImages: 65, DalleName: "birds"},
		"no model":       {Text: "fox", NumImages: 1},
		"prompt too big": {Text: strings.Repeat("x", 101), NumImages: 1, DalleName: "birds"},
	}
	for name, input := range tests {
		_, err := f.handler.Handle(context.Background(), input)
		assert.ErrorIs(t, err, ErrInvalidInput, name)
	}
	assert.Zero(t, f.gen.calls)
}

func TestHandleEncodingError(t *testing.T) {
	f := setup(t)

	_, err := f.handler.Handle(context.Background(), Input{Text: "one two three four five six seven eight nine", NumImages: 1, DalleName: "birds"})
	assert.ErrorIs(t, err, tokenizer.ErrEncoding)
	assert.Zero(t, f.gen.calls)
}

func TestHandleGenerationFailure(t *testing.T) {
	f := setup(t)
	f.gen.err = errors.New("out of memory")

	_, err := f.handler.Handle(context.Background(), Input{Text: "a red fox", NumImages: 2, DalleName: "birds"})
	assert.ErrorIs(t, err, pipeline.ErrGeneration)

	_, err = os.Stat(filepath.Join(f.root, "a_red_fox"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestHandleRecordsMetrics(t *testing.T) {
	f := setup(t)

	_, err := f.handler.Handle(context.Background(), Input{Text: "a red fox", NumImages: 5, DalleName: "birds"})
	require.NoError(t, err)
	_, err = f.handler.Handle(context.Background(), Input{Text: "a red fox", NumImages: 1, DalleName: "nonexistent"})
	require.Error(t, err)
	_, err = f.handler.Handle(context.Background(), Input{Text: "", NumImages: 1, DalleName: "made-up-model"})
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, f.reader.Collect(context.Background(), &rm))

	states := map[string]int64{}
	models := map[string]int64{}
	var images int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "dalle_requests_total":
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					state, _ := dp.Attributes.Value(attribute.Key("state"))
					states[state.AsString()] += dp.Value
					model, _ := dp.Attributes.Value(attribute.Key("model"))
					models[model.AsString()] += dp.Value
				}
			case "dalle_images_total":
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					images += dp.Value
				}
			}
		}
	}
	assert.Equal(t, map[string]int64{"returned": 1, "failed": 2}, states)
	assert.Equal(t, map[string]int64{"birds": 1, "unknown": 2}, models, "caller-supplied names are not recorded")
	assert.Equal(t, int64(5), images)
}

func TestHandleMultibytePrompt(t *testing.T) {
	f := setup(t)
	text := strings.Repeat("猫", 90)

	out, err := f.handler.Handle(context.Background(), Input{Text: text, NumImages: 1, DalleName: "birds"})
	require.NoError(t, err)
	require.Len(t, out, 1)

	_, err = os.Stat(filepath.Join(f.root, postprocess.DirName(text, 100), "0.jpg"))
	assert.NoError(t, err)
}

func TestHandleDotPrompt(t *testing.T) {
	f := setup(t)

	_, err := f.handler.Handle(context.Background(), Input{Text: "..", NumImages: 1, DalleName: "birds"})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(f.root, "_.", "0.jpg"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.root, "0.jpg"))
	assert.ErrorIs(t, err, os.ErrNotExist, "nothing lands in the output root")
}

func TestModels(t *testing.T) {
	f := setup(t)
	assert.Equal(t, []string{"birds"}, f.handler.Models())
}
