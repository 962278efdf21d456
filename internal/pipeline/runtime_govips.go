//go:build govips && cgo

package pipeline

import (
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	startupOnce sync.Once
	shutdownMu  sync.Mutex
	started     bool
)

// Startup initializes libvips once per process.
func Startup() error {
	startupOnce.Do(func() {
		vips.Startup(&vips.Config{
			MaxCacheFiles: 0,
			MaxCacheMem:   64 * 1024 * 1024,
			MaxCacheSize:  16,
		})

		shutdownMu.Lock()
		started = true
		shutdownMu.Unlock()
	})
	return nil
}

func Shutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

// DefaultCodec returns the libvips codec in govips builds.
func DefaultCodec() Codec {
	return govipsCodec{}
}
