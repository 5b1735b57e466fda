// Package diskloader is a minimal reference Frame Loader implementation
// that reads pre-decoded frame files from disk. It exists purely to make
// the cache package runnable end to end in the demo binary and integration
// tests without a GUI or a real video decoder attached — the actual
// decode/extract pipeline named as an out-of-scope collaborator is
// somebody else's problem.
package diskloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/framewise/annocache/internal/frame"
)

// Loader reads one file per frame from a directory, named by the frame
// key's zero-padded string form plus a configurable extension.
type Loader struct {
	dir      string
	ext      string
	width    int
	height   int
	channels frame.Channels
}

// Option configures a Loader.
type Option func(*Loader)

// WithExtension overrides the default ".rgb" file extension.
func WithExtension(ext string) Option {
	return func(l *Loader) { l.ext = ext }
}

// WithDimensions sets the header dimensions attached to every loaded
// buffer. The loader does not parse image headers; it trusts the caller to
// know the geometry of the files it reads.
func WithDimensions(width, height int, channels frame.Channels) Option {
	return func(l *Loader) {
		l.width = width
		l.height = height
		l.channels = channels
	}
}

// New constructs a disk-backed Loader rooted at dir.
func New(dir string, opts ...Option) *Loader {
	l := &Loader{
		dir:      dir,
		ext:      ".rgb",
		channels: frame.ChannelsRGB,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads key's frame file, honoring ctx's deadline: a slow disk read
// past the deadline is abandoned (the read continues in its own goroutine
// and its result is discarded) rather than blocking the caller past its
// budget.
func (l *Loader) Load(ctx context.Context, key frame.Key) (frame.Buffer, error) {
	path := filepath.Join(l.dir, key.String()+l.ext)

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := os.ReadFile(path)
		ch <- result{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return frame.Buffer{}, fmt.Errorf("diskloader: load %s: %w", key, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return frame.Buffer{}, fmt.Errorf("diskloader: load %s: %w", key, r.err)
		}
		return frame.Buffer{
			Key:      key,
			Width:    l.width,
			Height:   l.height,
			Channels: l.channels,
			Data:     r.data,
		}, nil
	}
}
