package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/dmorgan81/dalleserve/internal/image"
	"github.com/dmorgan81/dalleserve/internal/postprocess"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan(t *testing.T) {
	tokens := []int32{5, 6, 0}
	tests := []struct {
		count, batchSize int
		sizes            []int
	}{
		{10, 4, []int{4, 4, 2}},
		{4, 4, []int{4}},
		{1, 4, []int{1}},
		{3, 1, []int{1, 1, 1}},
	}

	for _, tt := range tests {
		batches, err := Plan(tokens, tt.count, tt.batchSize)
		require.NoError(t, err)
		assert.Equal(t, tt.sizes, lo.Map(batches, func(b Batch, _ int) int { return len(b) }))
		for _, b := range batches {
			for _, row := range b {
				assert.Equal(t, tokens, row)
			}
		}
	}
}

func TestPlanRowsAreIndependent(t *testing.T) {
	batches, err := Plan([]int32{1, 2}, 2, 4)
	require.NoError(t, err)
	batches[0][0][0] = 99
	assert.Equal(t, []int32{1, 2}, batches[0][1])
}

func TestPlanInvalid(t *testing.T) {
	_, err := Plan([]int32{1}, 0, 4)
	assert.ErrorIs(t, err, ErrInvalidCount)
	_, err = Plan([]int32{1}, 2, 0)
	assert.ErrorIs(t, err, ErrInvalidCount)
}

// fakeGenerator returns images whose blue channel encodes the call order.
type fakeGenerator struct {
	calls   int
	short   bool
	failAt  int
	rowSeen [][]int32
}

func (g *fakeGenerator) Generate(_ context.Context, rows [][]int32, _ float64) ([]image.Tensor, error) {
	g.calls++
	if g.failAt == g.calls {
		return nil, errors.New("device lost")
	}
	g.rowSeen = append(g.rowSeen, rows...)
	n := len(rows)
	if g.short {
		n--
	}
	out := make([]image.Tensor, n)
	for i := range out {
		out[i] = image.NewTensor(3, 2, 2)
		out[i].Set(2, 0, 0, float32(g.calls))
	}
	return out, nil
}

func (*fakeGenerator) TextSeqLen() int { return 3 }
func (*fakeGenerator) ImageSize() int  { return 2 }

func TestGenerate(t *testing.T) {
	batches, err := Plan([]int32{1, 2, 3}, 10, 4)
	require.NoError(t, err)

	var steps [][3]int
	gen := &fakeGenerator{}
	out, err := Generate(context.Background(), gen, batches, 0.9, func(done, total, images int) {
		steps = append(steps, [3]int{done, total, images})
	})
	require.NoError(t, err)

	assert.Equal(t, 3, gen.calls)
	assert.Len(t, gen.rowSeen, 10)
	require.Len(t, out, 10)
	for i, g := range out {
		assert.Equal(t, i, g.Index)
		assert.Equal(t, float32(i/4+1), g.Tensor.At(2, 0, 0))
	}
	assert.Equal(t, [][3]int{{1, 3, 4}, {2, 3, 8}, {3, 3, 10}}, steps)
}

func TestGenerateFailures(t *testing.T) {
	batches, err := Plan([]int32{1}, 8, 4)
	require.NoError(t, err)

	gen := &fakeGenerator{failAt: 2}
	_, err = Generate(context.Background(), gen, batches, 0.9, nil)
	assert.ErrorIs(t, err, ErrGeneration)
	assert.Equal(t, 2, gen.calls)

	_, err = Generate(context.Background(), &fakeGenerator{short: true}, batches, 0.9, nil)
	assert.ErrorIs(t, err, ErrGeneration)
}

func TestAssemble(t *testing.T) {
	got, err := Assemble([]postprocess.Encoded{
		{Index: 2, Payload: "c"},
		{Index: 0, Payload: "a"},
		{Index: 1, Payload: "b"},
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestAssembleIncomplete(t *testing.T) {
	tests := map[string][]postprocess.Encoded{
		"missing":      {{Index: 0, Payload: "a"}},
		"duplicate":    {{Index: 0, Payload: "a"}, {Index: 0, Payload: "b"}},
		"out of range": {{Index: 0, Payload: "a"}, {Index: 5, Payload: "b"}},
	}
	for name, encoded := range tests {
		_, err := Assemble(encoded, 2)
		assert.ErrorIs(t, err, ErrIncompleteResult, name)
	}
}
