package image

import (
	"context"
	"fmt"
)

// Tensor is a channel-first (CHW) float image.
type Tensor struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

func NewTensor(channels, height, width int) Tensor {
	return Tensor{
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float32, channels*height*width),
	}
}

func (t Tensor) At(c, y, x int) float32 {
	return t.Data[(c*t.Height+y)*t.Width+x]
}

func (t Tensor) Set(c, y, x int, v float32) {
	t.Data[(c*t.Height+y)*t.Width+x] = v
}

func (t Tensor) Validate() error {
	if t.Channels != 3 {
		return fmt.Errorf("tensor has %d channels, want 3", t.Channels)
	}
	if t.Height <= 0 || t.Width <= 0 {
		return fmt.Errorf("tensor has invalid size %dx%d", t.Height, t.Width)
	}
	if len(t.Data) != t.Channels*t.Height*t.Width {
		return fmt.Errorf("tensor data has %d values, want %d", len(t.Data), t.Channels*t.Height*t.Width)
	}
	return nil
}

// Generated is one generated image and its position in the request.
type Generated struct {
	Index  int
	Tensor Tensor
}

// Generator produces one tensor per token row.
type Generator interface {
	Generate(ctx context.Context, rows [][]int32, filterThres float64) ([]Tensor, error)
	TextSeqLen() int
	ImageSize() int
}
