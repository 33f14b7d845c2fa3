// Package evolution generates the age-ordered frame sequence that feeds
// video compilation: a fixed spread of target ages across the whole
// 1-100 range, rendered one at a time.
package evolution

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/agelapse-dev/agelapse/internal/aging"
	"github.com/agelapse-dev/agelapse/internal/provider"
)

// FrameCount is the fixed number of frames in an evolution sequence.
const FrameCount = 20

// Frame is one rendered image in the evolution sequence.
type Frame struct {
	Age   int
	Image []byte
}

// Progress receives human-readable progress messages, one before each
// frame and in frame-processing order.
type Progress func(msg string)

// Generator orchestrates sequential frame synthesis for one evolution.
type Generator struct {
	provider provider.Provider
	clock    func() time.Time
}

// NewGenerator creates a generator bound to a provider.
func NewGenerator(p provider.Provider) *Generator {
	return &Generator{provider: p, clock: time.Now}
}

// WithClock overrides the time source used for target-year prompts.
func (g *Generator) WithClock(clock func() time.Time) *Generator {
	g.clock = clock
	return g
}

// Ages returns the fixed set of target ages, evenly spread over 1..99.
// Rounding may collide near the ends; the formula is kept as-is so runs
// are reproducible.
func Ages() []int {
	ages := make([]int, FrameCount)
	for i := 0; i < FrameCount; i++ {
		ages[i] = int(math.Round(1 + float64(i)*99.0/19.0))
	}
	return ages
}

// GenerateEvolution renders the full frame sequence. Frames are
// requested strictly sequentially; concurrency would scramble progress
// reporting and trample the capability's rate limits. The frame whose
// age equals the anchor reuses the source photo verbatim. Any single
// failure aborts the whole batch.
func (g *Generator) GenerateEvolution(ctx context.Context, source []byte, estimatedAge int, progress Progress) ([]Frame, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("empty source image")
	}

	ages := Ages()
	frames := make([]Frame, 0, len(ages))

	for i, age := range ages {
		if progress != nil {
			progress(fmt.Sprintf("frame %d/%d (age %d)", i+1, len(ages), age))
		}

		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("frame %d/%d (age %d): %w", i+1, len(ages), age, err)
		}

		if age == estimatedAge {
			frames = append(frames, Frame{Age: age, Image: source})
			continue
		}

		prompt := aging.SynthesisPrompt(g.clock(), estimatedAge, age)
		img, err := g.provider.Synthesize(ctx, source, prompt)
		if err != nil {
			return nil, fmt.Errorf("frame %d/%d (age %d): %w", i+1, len(ages), age, err)
		}
		frames = append(frames, Frame{Age: age, Image: img})
	}

	// Generation already follows age order; the sort is defensive.
	sort.SliceStable(frames, func(a, b int) bool { return frames[a].Age < frames[b].Age })

	return frames, nil
}

// Images flattens a frame sequence into the ordered image list the
// compiler consumes.
func Images(frames []Frame) [][]byte {
	images := make([][]byte, len(frames))
	for i, f := range frames {
		images[i] = f.Image
	}
	return images
}
