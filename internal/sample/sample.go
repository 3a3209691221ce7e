package sample

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"github.com/samber/lo"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

var ErrNoCandidates = errors.New("no candidate tokens left to sample")

// Transform rewrites logits in place. Masked entries are set to -Inf.
type Transform interface {
	Apply([]float64) ([]float64, error)
}

type Sampler interface {
	Sample([]float64, ...Transform) (int, error)
}

// Temperature divides logits by t after shifting them so the largest is zero.
type Temperature float64

func (t Temperature) Apply(logits []float64) ([]float64, error) {
	if t <= 0 || t > 2 {
		return nil, fmt.Errorf("temperature must be in (0, 2], got %g", float64(t))
	}
	peak := floats.Max(logits)
	for i, v := range logits {
		logits[i] = (v - peak) / float64(t)
	}
	return logits, nil
}

// FilterThreshold masks all but the top (1-f) fraction of logits, always
// keeping at least one.
type FilterThreshold float64

func (f FilterThreshold) Apply(logits []float64) ([]float64, error) {
	if f < 0 || f >= 1 {
		return nil, fmt.Errorf("filter threshold must be in [0, 1), got %g", float64(f))
	}
	keep := max(1, int((1-float64(f))*float64(len(logits))))
	if keep >= len(logits) {
		return logits, nil
	}

	// Ranked by logit, highest first; ties go to the lower index.
	ranked := pq.NewWith(func(a, b int) int {
		if c := cmp.Compare(logits[b], logits[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	for i := range logits {
		ranked.Enqueue(i)
	}

	kept := make([]bool, len(logits))
	for range keep {
		i, _ := ranked.Dequeue()
		kept[i] = true
	}
	for i := range logits {
		if !kept[i] {
			logits[i] = math.Inf(-1)
		}
	}
	return logits, nil
}

type weighted struct {
	src rand.Source
}

// Weighted draws an index in proportion to the softmax of the transformed
// logits. The caller's slice is left untouched. A nil source uses the
// global one.
func Weighted(src rand.Source) Sampler {
	return weighted{src: src}
}

func (s weighted) Sample(logits []float64, transforms ...Transform) (int, error) {
	scores := slices.Clone(logits)
	for _, t := range transforms {
		var err error
		if scores, err = t.Apply(scores); err != nil {
			return -1, err
		}
	}

	candidates := lo.Filter(lo.Range(len(scores)), func(i, _ int) bool {
		return !math.IsInf(scores[i], -1)
	})
	if len(candidates) == 0 {
		return -1, ErrNoCandidates
	}

	probs := lo.Map(candidates, func(i, _ int) float64 { return scores[i] })
	lse := floats.LogSumExp(probs)
	for i, v := range probs {
		probs[i] = math.Exp(v - lse)
	}

	choice, ok := sampleuv.NewWeighted(probs, s.src).Take()
	if !ok {
		return -1, ErrNoCandidates
	}
	return candidates[choice], nil
}
