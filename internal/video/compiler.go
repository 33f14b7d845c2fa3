// Package video compiles an ordered image sequence into a single
// playable artifact: frames are drawn one at a time onto a shared
// canvas whose size is fixed by the first image, and the canvas state
// is held in the encoded stream for the requested per-frame duration.
package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"math"
	"os"
	"time"

	// Common raster formats accepted at the upload boundary.
	_ "image/gif"
	_ "image/png"

	"github.com/agelapse-dev/agelapse/pkg/observability"
)

// FramesPerSecond is the fixed rate of the encoded stream.
const FramesPerSecond = 30

// DefaultFrameDuration is how long each image is held on screen.
const DefaultFrameDuration = 500 * time.Millisecond

var (
	// ErrEmptyInput is returned when there are no images to compile.
	ErrEmptyInput = errors.New("no images to compile")

	// ErrUnsupportedEncoding is returned when the target encoding is
	// unavailable in this runtime.
	ErrUnsupportedEncoding = errors.New("video encoding not supported")
)

// ImageLoadError identifies which frame failed to decode.
type ImageLoadError struct {
	Index int
	Err   error
}

func (e *ImageLoadError) Error() string {
	return fmt.Sprintf("failed to load image for frame %d: %v", e.Index+1, e.Err)
}

func (e *ImageLoadError) Unwrap() error {
	return e.Err
}

// Artifact is the compiled video: an encoded byte stream plus its
// container type. Handles are assigned by the session layer; the
// artifact itself is session-scoped and invalidated on reset.
type Artifact struct {
	Data        []byte
	ContentType string
}

// Progress receives human-readable progress messages in frame order.
type Progress func(msg string)

// Compiler turns ordered image sequences into video artifacts. The
// shared canvas is exclusively owned by one Compile call at a time.
type Compiler struct {
	fps        int32
	quality    int
	newEncoder EncoderFactory
}

// NewCompiler creates a compiler with the default MJPEG/AVI encoder.
func NewCompiler() *Compiler {
	return &Compiler{
		fps:        FramesPerSecond,
		quality:    90,
		newEncoder: NewAVIEncoder,
	}
}

// WithEncoderFactory overrides the encoding sink, e.g. in tests.
func (c *Compiler) WithEncoderFactory(f EncoderFactory) *Compiler {
	c.newEncoder = f
	return c
}

// Compile encodes the image sequence, holding each image on the canvas
// for frameDuration. Progress is reported before each frame and once
// more while finalizing. No partial artifact is ever produced.
func (c *Compiler) Compile(ctx context.Context, images [][]byte, frameDuration time.Duration, progress Progress) (*Artifact, error) {
	if len(images) == 0 {
		observability.RecordVideoCompiled("empty_input")
		return nil, ErrEmptyInput
	}
	if frameDuration <= 0 {
		frameDuration = DefaultFrameDuration
	}

	// The first image fixes the output dimensions; later frames are
	// drawn into that canvas unscaled, so mismatched sizes crop or
	// letterbox rather than stretch.
	first, err := decodeImage(images[0])
	if err != nil {
		observability.RecordVideoCompiled("image_load_error")
		return nil, &ImageLoadError{Index: 0, Err: err}
	}
	bounds := first.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	tmp, err := os.CreateTemp("", "agelapse-*.avi")
	if err != nil {
		observability.RecordVideoCompiled("error")
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	enc, err := c.newEncoder(tmpPath, int32(width), int32(height), c.fps)
	if err != nil {
		observability.RecordVideoCompiled("unsupported_encoding")
		return nil, err
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))

	// Holding an image for frameDuration at a fixed rate means
	// repeating its encoded frame this many times.
	repeats := int(math.Round(frameDuration.Seconds() * float64(c.fps)))
	if repeats < 1 {
		repeats = 1
	}

	for i, data := range images {
		if progress != nil {
			progress(fmt.Sprintf("encoding frame %d/%d", i+1, len(images)))
		}

		if err := ctx.Err(); err != nil {
			_ = enc.Close()
			observability.RecordVideoCompiled("canceled")
			return nil, err
		}

		img := first
		if i > 0 {
			img, err = decodeImage(data)
			if err != nil {
				_ = enc.Close()
				observability.RecordVideoCompiled("image_load_error")
				return nil, &ImageLoadError{Index: i, Err: err}
			}
		}

		// Replace prior canvas contents, then draw the frame at the
		// origin without rescaling.
		draw.Draw(canvas, canvas.Bounds(), image.Black, image.Point{}, draw.Src)
		draw.Draw(canvas, canvas.Bounds(), img, img.Bounds().Min, draw.Over)

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: c.quality}); err != nil {
			_ = enc.Close()
			observability.RecordVideoCompiled("error")
			return nil, fmt.Errorf("encode frame %d/%d: %w", i+1, len(images), err)
		}

		frame := buf.Bytes()
		for r := 0; r < repeats; r++ {
			if err := enc.AddFrame(frame); err != nil {
				_ = enc.Close()
				observability.RecordVideoCompiled("error")
				return nil, fmt.Errorf("write frame %d/%d: %w", i+1, len(images), err)
			}
		}
		observability.RecordFrameEncoded()
	}

	if progress != nil {
		progress("finalizing")
	}
	if err := enc.Close(); err != nil {
		observability.RecordVideoCompiled("error")
		return nil, fmt.Errorf("finalize video: %w", err)
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		observability.RecordVideoCompiled("error")
		return nil, fmt.Errorf("read encoded video: %w", err)
	}

	observability.RecordVideoCompiled("ok")
	return &Artifact{
		Data:        data,
		ContentType: "video/x-msvideo",
	}, nil
}

func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return img, nil
}
