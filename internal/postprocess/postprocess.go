package postprocess

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	goimage "image"
	"image/color"
	"image/jpeg"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"unicode/utf8"

	"github.com/dmorgan81/dalleserve/internal/image"
	"github.com/dmorgan81/dalleserve/internal/log"
	"github.com/dmorgan81/dalleserve/internal/store"
	"github.com/samber/do"
	"golang.org/x/sync/errgroup"
)

const DefaultQuality = 75

// maxNameBytes is the file name limit of common filesystems.
const maxNameBytes = 255

var dirReplacer = strings.NewReplacer(" ", "_", "/", "_", `\`, "_")

// DirName derives a directory name from prompt text: spaces and separators
// become underscores, a leading dot becomes an underscore, and the result is
// cut to maxLen runes and at most 255 bytes on a rune boundary.
func DirName(text string, maxLen int) string {
	name := dirReplacer.Replace(text)
	if strings.HasPrefix(name, ".") {
		name = "_" + name[1:]
	}

	n := 0
	for runes := 0; runes < maxLen && n < len(name); runes++ {
		_, width := utf8.DecodeRuneInString(name[n:])
		if n+width > maxNameBytes {
			break
		}
		n += width
	}
	return name[:n]
}

func OutputDir(base, text string, maxLen int) string {
	return filepath.Join(base, DirName(text, maxLen))
}

// FileName is the stored name of the image at index within dir.
func FileName(dir string, index int) string {
	return path.Join(dir, fmt.Sprintf("%d.jpg", index))
}

type Encoded struct {
	Index   int
	Payload string
}

// Target says where rendered files go and what metadata they carry.
type Target struct {
	Dir      string
	Metadata map[string]string
}

type Processor struct {
	uploader store.Uploader
	quality  int
	limit    int
}

func New(uploader store.Uploader, quality int) *Processor {
	return &Processor{
		uploader: uploader,
		quality:  quality,
		limit:    runtime.GOMAXPROCS(0),
	}
}

func NewProcessor(i *do.Injector) (*Processor, error) {
	return New(do.MustInvoke[store.Uploader](i), do.MustInvokeNamed[int](i, "jpeg_quality")), nil
}

// Process encodes one image for the response and persists its normalised rendition.
func (p *Processor) Process(ctx context.Context, img image.Generated, target Target) (Encoded, error) {
	if err := img.Tensor.Validate(); err != nil {
		return Encoded{}, fmt.Errorf("image %d: %w", img.Index, err)
	}

	payload, err := p.encode(ToRGBA(img.Tensor))
	if err != nil {
		return Encoded{}, fmt.Errorf("encode image %d: %w", img.Index, err)
	}

	rendition, err := p.encode(Normalize(img.Tensor))
	if err != nil {
		return Encoded{}, fmt.Errorf("encode rendition %d: %w", img.Index, err)
	}
	name := FileName(target.Dir, img.Index)
	if err := p.uploader.Upload(ctx, store.UploadParams{
		Name:        name,
		Data:        rendition,
		ContentType: "image/jpeg",
		Metadata:    target.Metadata,
	}); err != nil {
		return Encoded{}, fmt.Errorf("persist %s: %w", name, err)
	}

	return Encoded{Index: img.Index, Payload: base64.StdEncoding.EncodeToString(payload)}, nil
}

// ProcessAll runs Process concurrently. Results are placed by position, not
// completion order.
func (p *Processor) ProcessAll(ctx context.Context, imgs []image.Generated, target Target) ([]Encoded, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("postprocess")
	log.Debug("processing images", "count", len(imgs), "dir", target.Dir)

	out := make([]Encoded, len(imgs))
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(p.limit)
	for i, img := range imgs {
		group.Go(func() error {
			enc, err := p.Process(ctx, img, target)
			if err != nil {
				return err
			}
			out[i] = enc
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Processor) encode(img goimage.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ToRGBA converts a CHW tensor in [0, 1] to pixels, truncating v*255.
func ToRGBA(t image.Tensor) *goimage.RGBA {
	return render(t, func(v float32) uint8 {
		return uint8(clamp(v*255, 0, 255))
	})
}

// Normalize rescales a tensor by its own min and max before converting,
// rounding to the nearest byte.
func Normalize(t image.Tensor) *goimage.RGBA {
	lo, hi := t.Data[0], t.Data[0]
	for _, v := range t.Data {
		lo, hi = min(lo, v), max(hi, v)
	}
	scale := max(hi-lo, 1e-5)
	return render(t, func(v float32) uint8 {
		return uint8(clamp((v-lo)/scale*255+0.5, 0, 255))
	})
}

func render(t image.Tensor, toByte func(float32) uint8) *goimage.RGBA {
	img := goimage.NewRGBA(goimage.Rect(0, 0, t.Width, t.Height))
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: toByte(t.At(0, y, x)),
				G: toByte(t.At(1, y, x)),
				B: toByte(t.At(2, y, x)),
				A: 255,
			})
		}
	}
	return img
}

func clamp(v, lo, hi float32) float32 {
	if v != v {
		return lo
	}
	return min(max(v, lo), hi)
}
