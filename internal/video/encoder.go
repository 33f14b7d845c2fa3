package video

import (
	"fmt"

	"github.com/icza/mjpeg"
)

// Encoder is the sink the compiler feeds JPEG frames into at a fixed
// rate. Exactly one compile operation owns an encoder at a time.
type Encoder interface {
	// AddFrame appends one JPEG-encoded frame.
	AddFrame(jpeg []byte) error

	// Close finalizes the container, flushing any buffered data.
	Close() error
}

// EncoderFactory opens an encoder writing to path with the given frame
// geometry and rate.
type EncoderFactory func(path string, width, height, fps int32) (Encoder, error)

// aviEncoder wraps an MJPEG/AVI writer.
type aviEncoder struct {
	aw mjpeg.AviWriter
}

// NewAVIEncoder opens an MJPEG/AVI encoder. A constructor failure means
// the target encoding is unavailable in this runtime.
func NewAVIEncoder(path string, width, height, fps int32) (Encoder, error) {
	aw, err := mjpeg.New(path, width, height, fps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedEncoding, err)
	}
	return &aviEncoder{aw: aw}, nil
}

func (e *aviEncoder) AddFrame(jpeg []byte) error {
	return e.aw.AddFrame(jpeg)
}

func (e *aviEncoder) Close() error {
	return e.aw.Close()
}
