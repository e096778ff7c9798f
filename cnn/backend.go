package cnn

import (
	"errors"
	"fmt"
	"log"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Backend preferences accepted by OpenBackend.
const (
	PreferAuto        = "auto"
	PreferAccelerator = "accelerator"
	PreferHost        = "host"
)

// ErrNoAccelerator is returned when an accelerator is required but this
// binary has none compiled in, or none could be opened.
var ErrNoAccelerator = errors.New("no accelerator backend available")

// openAccelerator is set by backend_xla.go when built with the xla tag.
var openAccelerator func() (backends.Backend, error)

// OpenBackend returns the gomlx backend for pref. "auto" uses the
// accelerator when one can be opened and the pure-Go host backend otherwise.
func OpenBackend(pref string) (backends.Backend, error) {
	switch pref {
	case PreferHost:
		return openHost()
	case PreferAccelerator:
		if openAccelerator == nil {
			return nil, ErrNoAccelerator
		}
		b, err := openAccelerator()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoAccelerator, err)
		}
		return b, nil
	case PreferAuto, "":
		if openAccelerator != nil {
			b, err := openAccelerator()
			if err == nil {
				return b, nil
			}
			log.Printf("Accelerator unavailable, using the host backend: %v", err)
		}
		return openHost()
	}
	return nil, fmt.Errorf("unknown device %q, want %s, %s or %s", pref, PreferAuto, PreferAccelerator, PreferHost)
}

func openHost() (backends.Backend, error) {
	b, err := simplego.New("")
	if err != nil {
		return nil, fmt.Errorf("failed to create gomlx simplego backend: %w", err)
	}
	return b, nil
}

// Device places parsed tensors on the device of a gomlx backend.
type Device struct {
	Backend backends.Backend
}

func (d Device) Name() string { return d.Backend.Name() }

// Place transfers t to the backend's default device.
func (d Device) Place(t *tensors.Tensor) error {
	return try(func() { t.MaterializeOnDevices(d.Backend, false) })
}
