package engine

import (
	"errors"

	"github.com/OmgRod/PiBlock/pkg/config"
	"github.com/OmgRod/PiBlock/pkg/logging"
)

// Result codes of the package-level Start and Stop.
const (
	ResultOK   = 0
	ResultFail = 1
)

var embedded = New()

// Start runs a process-wide engine with default settings, for hosts that
// embed the filter. An empty controlAddr means 127.0.0.1:8082 and an empty
// udpAddr means 0.0.0.0:5353. It returns ResultFail when the engine is
// already running or a listener cannot be bound.
func Start(controlAddr, udpAddr string) int {
	cfg := config.LoadWithDefaults()
	cfg.Server.ControlAddress = config.DefaultEmbeddedControl
	if controlAddr != "" {
		cfg.Server.ControlAddress = controlAddr
	}
	if udpAddr != "" {
		cfg.Server.UDPListenAddress = udpAddr
	}

	if err := embedded.Start(Options{Config: cfg, Logger: logging.Global()}); err != nil {
		if !errors.Is(err, ErrAlreadyRunning) {
			logging.Global().Error("Embedded engine failed to start", "error", err)
		}
		return ResultFail
	}
	return ResultOK
}

// Stop stops the process-wide engine started by Start. It returns
// ResultFail when nothing is running.
func Stop() int {
	if err := embedded.Stop(); err != nil {
		if !errors.Is(err, ErrNotRunning) {
			logging.Global().Error("Embedded engine stopped with error", "error", err)
			return ResultOK
		}
		return ResultFail
	}
	return ResultOK
}
