package kernel

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by DefaultConfig.
const (
	DefaultWindowBudget  = 100000
	DefaultGlobalTokens  = 1000000
	DefaultGlobalCalls   = 1000
	DefaultAgentFraction = 0.3
	DefaultQuotaWindow   = time.Hour
	DefaultTimeSlice     = time.Minute
)

// Duration wraps time.Duration with YAML support for values like "30s"
// or "5m".
type Duration time.Duration

// UnmarshalYAML parses a duration string like "30s", or integer
// nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		if parsed, err := time.ParseDuration(s); err == nil {
			*d = Duration(parsed)
			return nil
		}
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration: %s", value.Value)
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// QuotaConfig bounds token and call usage over a tumbling accounting
// window.
type QuotaConfig struct {
	// GlobalTokens is the token budget shared by all agents per window.
	GlobalTokens int `yaml:"global_tokens"`

	// GlobalCalls is the external-call budget shared by all agents per
	// window.
	GlobalCalls int `yaml:"global_calls"`

	// AgentFraction caps each agent at this fraction of the global
	// budgets.
	AgentFraction float64 `yaml:"agent_fraction"`

	// Window is the accounting window duration.
	Window Duration `yaml:"window"`
}

func (c QuotaConfig) withDefaults() QuotaConfig {
	if c.GlobalTokens <= 0 {
		c.GlobalTokens = DefaultGlobalTokens
	}
	if c.GlobalCalls <= 0 {
		c.GlobalCalls = DefaultGlobalCalls
	}
	if c.AgentFraction <= 0 || c.AgentFraction > 1 {
		c.AgentFraction = DefaultAgentFraction
	}
	if c.Window <= 0 {
		c.Window = Duration(DefaultQuotaWindow)
	}
	return c
}

// Config is the kernel configuration surface.
type Config struct {
	// WindowBudget is the per-agent context window token budget.
	WindowBudget int `yaml:"window_budget"`

	// TimeSlice is how long a process may run continuously before it
	// is preempted at the next step boundary.
	TimeSlice Duration `yaml:"time_slice"`

	Quota QuotaConfig `yaml:"quota"`
	Retry RetryConfig `yaml:"retry"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		WindowBudget: DefaultWindowBudget,
		TimeSlice:    Duration(DefaultTimeSlice),
		Quota:        QuotaConfig{}.withDefaults(),
		Retry:        RetryConfig{}.withDefaults(),
	}
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.WindowBudget <= 0 {
		c.WindowBudget = DefaultWindowBudget
	}
	if c.TimeSlice <= 0 {
		c.TimeSlice = Duration(DefaultTimeSlice)
	}
	c.Quota = c.Quota.withDefaults()
	c.Retry = c.Retry.withDefaults()
	return c
}

// Validate checks for values defaults cannot repair.
func (c Config) Validate() error {
	if c.WindowBudget < 0 {
		return fmt.Errorf("window_budget must not be negative: %d", c.WindowBudget)
	}
	if c.Quota.AgentFraction < 0 || c.Quota.AgentFraction > 1 {
		return fmt.Errorf("quota.agent_fraction must be in (0, 1]: %g", c.Quota.AgentFraction)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1]: %g", c.Retry.Jitter)
	}
	return nil
}

// LoadConfig reads a YAML config file, filling unset fields with
// defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	c = c.withDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
