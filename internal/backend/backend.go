// Package backend provides the image libraries behind thumbnail.Backend.
//
// Builds tagged `govips` with cgo enabled use libvips through govips. Every
// other build uses a pure-Go backend built on imaging.
package backend

import (
	"github.com/dunamismax/thumbflow/internal/thumbnail"
)

// RuntimeOptions tunes the process-wide image runtime. The pure-Go backend
// ignores them.
type RuntimeOptions struct {
	ConcurrencyLevel int
	MaxCacheFiles    int
	MaxCacheMem      int
	MaxCacheSize     int
}

func DefaultRuntimeOptions() RuntimeOptions {
	return RuntimeOptions{
		MaxCacheFiles: 0,
		MaxCacheMem:   128 * 1024 * 1024,
		MaxCacheSize:  100,
	}
}

// NewThumbnailer wires the build's backend into a thumbnail.Thumbnailer.
// The returned Lifecycle must be shut down at process exit.
func NewThumbnailer(opts RuntimeOptions, thumbOpts ...thumbnail.Option) (*thumbnail.Thumbnailer, *thumbnail.Lifecycle) {
	b, rt := New(opts)
	lc := thumbnail.NewLifecycle(rt)
	return thumbnail.New(b, lc, thumbOpts...), lc
}
