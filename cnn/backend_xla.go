//go:build xla

package cnn

import (
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
)

func init() {
	openAccelerator = func() (backends.Backend, error) {
		return backends.NewWithConfig("xla:cuda")
	}
}
