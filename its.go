// Package its drives a GICv3 Interrupt Translation Service. A Controller
// owns the command queue and translation tables of one ITS, hands out LPIs
// to devices and routes them to CPUs.
package its

import (
	"github.com/tinyrange/its/internal/hw"
	driver "github.com/tinyrange/its/internal/its"
	"github.com/tinyrange/its/internal/lpi"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal/its
// -----------------------------------------------------------------------------

// Controller is an attached ITS.
type Controller = driver.Controller

// Config is the platform-supplied configuration of one ITS.
type Config = driver.Config

// PollConfig bounds hardware polling loops.
type PollConfig = driver.PollConfig

// Quirks work around platform errata.
type Quirks = driver.Quirks

// Handoff selects how LPI state left by an earlier boot stage is treated.
type Handoff = driver.Handoff

// Duration is a time.Duration that decodes from YAML strings like "10us".
type Duration = driver.Duration

// Platform supplies the register frames, memory and collaborators of one ITS.
type Platform = driver.Platform

// Redistributor is the RD_base frame of one CPU.
type Redistributor = driver.Redistributor

// Interrupt is one allocated LPI.
type Interrupt = driver.Interrupt

// Handler runs when an interrupt is dispatched.
type Handler = driver.Handler

// Registrar is notified of every new interrupt source object.
type Registrar = driver.Registrar

// PCIDevice is the view of a PCI function AllocMSIX needs.
type PCIDevice = driver.PCIDevice

// Collection routes LPIs to one CPU.
type Collection = driver.Collection

// Stats is a point-in-time summary of controller state.
type Stats = driver.Stats

// Backoff paces bounded hardware polling loops.
type Backoff = driver.Backoff

// SpinBackoff polls without sleeping.
type SpinBackoff = driver.SpinBackoff

// LPIRange is a contiguous run of LPI INTIDs.
type LPIRange = lpi.Range

// RegisterPort reads and writes registers inside one frame.
type RegisterPort = hw.RegisterPort

// Memory hands out DMA-visible physical memory.
type Memory = hw.Memory

// Block is a physically contiguous allocation.
type Block = hw.Block

// AllocRequest describes a physically contiguous allocation.
type AllocRequest = hw.AllocRequest

// Cache performs cache maintenance on DMA-visible memory.
type Cache = hw.Cache

// CoherentCache is the Cache for fully coherent platforms.
type CoherentCache = hw.CoherentCache

// Handoff modes.
const (
	HandoffAdopt  = driver.HandoffAdopt
	HandoffRefuse = driver.HandoffRefuse
)

// Sentinel errors.
var (
	ErrOutOfSpace          = driver.ErrOutOfSpace
	ErrOutOfRange          = driver.ErrOutOfRange
	ErrPageSizeUnsupported = driver.ErrPageSizeUnsupported
	ErrIndirectUnsupported = driver.ErrIndirectUnsupported
	ErrQueueFull           = driver.ErrQueueFull
	ErrCompletionTimeout   = driver.ErrCompletionTimeout
	ErrNoPhysicalLPIs      = driver.ErrNoPhysicalLPIs
	ErrLPIStateMismatch    = driver.ErrLPIStateMismatch
	ErrInvalidCPU          = driver.ErrInvalidCPU
	ErrUnknownInterrupt    = driver.ErrUnknownInterrupt
	ErrClosed              = driver.ErrClosed
)

// -----------------------------------------------------------------------------
// Functions
// -----------------------------------------------------------------------------

// Attach discovers, programs and enables the ITS described by p.
func Attach(p Platform, cfg Config) (*Controller, error) {
	return driver.Attach(p, cfg)
}

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() Config { return driver.DefaultConfig() }

// ParseConfig decodes a YAML configuration.
func ParseConfig(data []byte) (Config, error) { return driver.ParseConfig(data) }

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) { return driver.LoadConfig(path) }
