//go:build govips && cgo

package backend

import (
	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/thumbflow/internal/thumbnail"
)

const Name = "libvips"

func New(opts RuntimeOptions) (thumbnail.Backend, thumbnail.Runtime) {
	return VipsBackend{}, &VipsRuntime{opts: opts}
}

// VipsRuntime starts libvips once per process and releases per-thread
// buffers after failed requests.
type VipsRuntime struct {
	opts RuntimeOptions
}

func (r *VipsRuntime) Startup() error {
	vips.LoggingSettings(nil, vips.LogLevelWarning)
	vips.Startup(&vips.Config{
		ConcurrencyLevel: r.opts.ConcurrencyLevel,
		MaxCacheFiles:    r.opts.MaxCacheFiles,
		MaxCacheMem:      r.opts.MaxCacheMem,
		MaxCacheSize:     r.opts.MaxCacheSize,
	})
	return nil
}

// ClearError is a no-op: govips empties the libvips error buffer every time
// it turns it into a Go error.
func (r *VipsRuntime) ClearError() {}

func (r *VipsRuntime) ReleaseThread() {
	vips.ShutdownThread()
}

func (r *VipsRuntime) Shutdown() {
	vips.Shutdown()
}
