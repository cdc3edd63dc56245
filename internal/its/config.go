package its

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/its/internal/its/regs"
)

// Handoff selects what InitCPU does when a redistributor already has LPIs
// enabled by an earlier boot stage.
type Handoff string

const (
	// HandoffAdopt reuses the tables the earlier stage programmed.
	HandoffAdopt Handoff = "adopt"
	// HandoffRefuse fails bring-up of such a CPU.
	HandoffRefuse Handoff = "refuse"
)

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// PollConfig bounds every hardware handshake loop.
type PollConfig struct {
	Attempts int      `yaml:"attempts"`
	Interval Duration `yaml:"interval"`
}

// Quirks override what the hardware reports.
type Quirks struct {
	// ForceNonShareable treats all tables as non-shareable, so every
	// software write is followed by an explicit cache flush.
	ForceNonShareable bool `yaml:"force_non_shareable"`
	// NoIndirect never tries two-level device tables.
	NoIndirect bool `yaml:"no_indirect"`
}

// Config is the platform-supplied configuration of one ITS.
type Config struct {
	// LPIBase is the first LPI INTID handed to devices.
	LPIBase uint32 `yaml:"lpi_base"`
	// LPICount is the number of LPIs this ITS manages.
	LPICount uint32 `yaml:"lpi_count"`
	// QueueSize is the command queue size in bytes.
	QueueSize uint64 `yaml:"queue_size"`
	// MaxPageSize caps table page size negotiation.
	MaxPageSize uint64 `yaml:"max_page_size"`
	// MaxPhysAddr bounds every table allocation. Zero means no bound.
	MaxPhysAddr uint64 `yaml:"max_phys_addr"`
	NUMADomain  int    `yaml:"numa_domain"`
	// CPUs brought up at attach. Empty means every redistributor.
	CPUs []int `yaml:"cpus"`
	// Priority is written into every LPI configuration byte.
	Priority uint8      `yaml:"priority"`
	Poll     PollConfig `yaml:"poll"`
	Quirks   Quirks     `yaml:"quirks"`
	Handoff  Handoff    `yaml:"handoff"`
}

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() Config {
	return Config{
		LPIBase:     regs.FirstLPI,
		LPICount:    64 * 1024,
		QueueSize:   64 * 1024,
		MaxPageSize: regs.PageSize64K,
		Priority:    0xa0,
		Poll: PollConfig{
			Attempts: 1_000_000,
			Interval: Duration(time.Microsecond),
		},
		Handoff: HandoffAdopt,
	}
}

// ParseConfig decodes YAML over DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("its: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("its: read config: %w", err)
	}
	return ParseConfig(data)
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.LPIBase == 0 {
		c.LPIBase = def.LPIBase
	}
	if c.LPICount == 0 {
		c.LPICount = def.LPICount
	}
	if c.QueueSize == 0 {
		c.QueueSize = def.QueueSize
	}
	if c.MaxPageSize == 0 {
		c.MaxPageSize = def.MaxPageSize
	}
	if c.Priority == 0 {
		c.Priority = def.Priority
	}
	if c.Poll.Attempts == 0 {
		c.Poll = def.Poll
	}
	if c.Handoff == "" {
		c.Handoff = def.Handoff
	}
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if c.LPIBase < regs.FirstLPI {
		return fmt.Errorf("its: lpi_base %d below first LPI %d", c.LPIBase, regs.FirstLPI)
	}
	if c.LPICount == 0 {
		return fmt.Errorf("its: lpi_count must be non-zero")
	}
	if end := uint64(c.LPIBase) + uint64(c.LPICount); end > 1<<24 {
		return fmt.Errorf("its: LPI range ends at %d, beyond 24 INTID bits", end)
	}
	slots := c.QueueSize / 32
	if slots == 0 || c.QueueSize%regs.PageSize4K != 0 || slots&(slots-1) != 0 || c.QueueSize > regs.PageSize4K*256 {
		return fmt.Errorf("its: queue_size 0x%x must be a power of two multiple of 4KiB up to 1MiB", c.QueueSize)
	}
	switch c.MaxPageSize {
	case regs.PageSize4K, regs.PageSize16K, regs.PageSize64K:
	default:
		return fmt.Errorf("its: max_page_size 0x%x must be 4KiB, 16KiB or 64KiB", c.MaxPageSize)
	}
	if c.Priority&^regs.LPIConfPrioMask != 0 {
		return fmt.Errorf("its: priority 0x%x uses bits reserved for enable and group", c.Priority)
	}
	if c.Poll.Attempts <= 0 {
		return fmt.Errorf("its: poll attempts must be positive")
	}
	switch c.Handoff {
	case HandoffAdopt, HandoffRefuse:
	default:
		return fmt.Errorf("its: unknown handoff %q", c.Handoff)
	}
	return nil
}
