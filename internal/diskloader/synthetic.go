package diskloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/framewise/annocache/internal/frame"
)

// ErrForcedFailure is returned by SyntheticLoader for keys configured to
// fail, so tests exercising the loader-failure scenario can assert on the
// cause without depending on a real decode error.
var ErrForcedFailure = errors.New("diskloader: forced synthetic failure")

// SyntheticLoader is a fixed-latency, deterministic-content loader used by
// the demo binary and by tests that need a Frame Loader without touching a
// filesystem. It plays the same role as the prior implementation's mock
// infrastructure loader: a stand-in for the decode pipeline that returns
// plausible-sized frames after a configurable simulated decode latency.
type SyntheticLoader struct {
	latency   time.Duration
	frameSize int64
	failing   map[frame.Key]bool
}

// NewSynthetic constructs a loader that sleeps for latency before returning
// a frameSize-byte buffer of deterministic content. Keys in failing always
// return ErrForcedFailure instead.
func NewSynthetic(latency time.Duration, frameSize int64, failing ...frame.Key) *SyntheticLoader {
	failSet := make(map[frame.Key]bool, len(failing))
	for _, k := range failing {
		failSet[k] = true
	}
	return &SyntheticLoader{latency: latency, frameSize: frameSize, failing: failSet}
}

// Load implements the Frame Loader contract.
func (l *SyntheticLoader) Load(ctx context.Context, key frame.Key) (frame.Buffer, error) {
	if l.failing[key] {
		return frame.Buffer{}, fmt.Errorf("synthetic loader for %s: %w", key, ErrForcedFailure)
	}

	if l.latency > 0 {
		select {
		case <-ctx.Done():
			return frame.Buffer{}, fmt.Errorf("synthetic loader for %s: %w", key, ctx.Err())
		case <-time.After(l.latency):
		}
	}

	data := make([]byte, l.frameSize)
	for i := range data {
		data[i] = byte(int64(key)) ^ byte(i)
	}

	return frame.Buffer{
		Key:      key,
		Width:    3840,
		Height:   2160,
		Channels: frame.ChannelsRGB,
		Data:     data,
	}, nil
}
