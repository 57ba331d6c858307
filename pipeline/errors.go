package pipeline

import (
	"errors"

	"github.com/jmorganca/sdpipe/model"
)

var (
	// ErrInvalidConfig is returned for generation settings that are rejected
	// before any model is invoked.
	ErrInvalidConfig = errors.New("invalid generation config")
	// ErrInvalidState is returned when the pipeline is driven in a way its
	// variant or components do not allow.
	ErrInvalidState = errors.New("invalid pipeline state")

	ErrUnsupportedModel = model.ErrUnsupportedModel

	ErrUnknownBackend  = errors.New("unknown backend")
	ErrNoDevices       = errors.New("no devices available")
	ErrMultipleDevices = errors.New("multiple devices available, one must be selected")
)
