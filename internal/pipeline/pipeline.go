package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dmorgan81/dalleserve/internal/image"
	"github.com/dmorgan81/dalleserve/internal/log"
	"github.com/dmorgan81/dalleserve/internal/postprocess"
	"github.com/samber/lo"
)

var (
	ErrInvalidCount     = errors.New("invalid count")
	ErrGeneration       = errors.New("generation failed")
	ErrIncompleteResult = errors.New("incomplete result")
)

// Batch is a group of token rows submitted to a generator in one call.
type Batch [][]int32

// Progress is called after each batch with the batches done so far, the
// batch total and the images generated so far.
type Progress func(done, total, images int)

// Plan replicates tokens count times and splits the rows into batches of at
// most batchSize. Every batch is full except possibly the last.
func Plan(tokens []int32, count, batchSize int) ([]Batch, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive, got %d", ErrInvalidCount, count)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidCount, batchSize)
	}

	rows := lo.Times(count, func(int) []int32 {
		return slices.Clone(tokens)
	})
	return lo.Map(lo.Chunk(rows, batchSize), func(rows [][]int32, _ int) Batch {
		return Batch(rows)
	}), nil
}

// Generate runs the batches in order and numbers the images 0..n-1.
func Generate(ctx context.Context, gen image.Generator, batches []Batch, filterThres float64, progress Progress) ([]image.Generated, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("pipeline")

	var out []image.Generated
	for i, batch := range batches {
		tensors, err := gen.Generate(ctx, batch, filterThres)
		if err != nil {
			return nil, fmt.Errorf("%w: batch %d/%d: %w", ErrGeneration, i+1, len(batches), err)
		}
		if len(tensors) != len(batch) {
			return nil, fmt.Errorf("%w: batch %d/%d returned %d images for %d rows",
				ErrGeneration, i+1, len(batches), len(tensors), len(batch))
		}

		for _, t := range tensors {
			out = append(out, image.Generated{Index: len(out), Tensor: t})
		}

		log.Info(fmt.Sprintf("batch %d/%d", i+1, len(batches)), "images", len(out))
		if progress != nil {
			progress(i+1, len(batches), len(out))
		}
	}
	return out, nil
}

// Assemble orders payloads by index and checks that exactly 0..expected-1
// are present.
func Assemble(encoded []postprocess.Encoded, expected int) ([]string, error) {
	if len(encoded) != expected {
		return nil, fmt.Errorf("%w: got %d images, want %d", ErrIncompleteResult, len(encoded), expected)
	}

	out := make([]string, expected)
	seen := make([]bool, expected)
	for _, e := range encoded {
		if e.Index < 0 || e.Index >= expected {
			return nil, fmt.Errorf("%w: index %d out of range", ErrIncompleteResult, e.Index)
		}
		if seen[e.Index] {
			return nil, fmt.Errorf("%w: duplicate index %d", ErrIncompleteResult, e.Index)
		}
		seen[e.Index] = true
		out[e.Index] = e.Payload
	}
	return out, nil
}
