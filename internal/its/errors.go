package its

import (
	"errors"

	"github.com/tinyrange/its/internal/lpi"
)

var (
	// ErrOutOfSpace reports LPI or table memory exhaustion.
	ErrOutOfSpace = lpi.ErrOutOfSpace
	// ErrOutOfRange reports a device id or vector count the tables cannot hold.
	ErrOutOfRange = errors.New("its: identifier out of range")

	ErrPageSizeUnsupported = errors.New("its: no supported table page size")
	ErrIndirectUnsupported = errors.New("its: table too large without indirect support")

	// ErrQueueFull is retryable: the queue did not drain within the poll
	// budget and the batch was abandoned.
	ErrQueueFull = errors.New("its: command queue full")
	// ErrCompletionTimeout means hardware did not consume a submitted batch
	// within the poll budget.
	ErrCompletionTimeout = errors.New("its: command completion timeout")

	ErrNoPhysicalLPIs   = errors.New("its: physical LPIs not supported")
	ErrLPIStateMismatch = errors.New("its: redistributor LPI state does not match controller tables")
	ErrInvalidCPU       = errors.New("its: CPU not available")
	ErrUnknownInterrupt = errors.New("its: unknown interrupt")
	ErrClosed           = errors.New("its: controller closed")
)
