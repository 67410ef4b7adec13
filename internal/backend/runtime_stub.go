//go:build !govips || !cgo

package backend

import "github.com/dunamismax/thumbflow/internal/thumbnail"

const Name = "imaging"

func New(_ RuntimeOptions) (thumbnail.Backend, thumbnail.Runtime) {
	return StdBackend{}, StdRuntime{}
}
