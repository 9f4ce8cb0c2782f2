package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Paintersrp/procsup/internal/resolve"
	"github.com/Paintersrp/procsup/internal/runtime"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Config mirrors the procsup.yaml document structure.
type Config struct {
	Logging   LoggingSpec             `yaml:"logging"`
	Relay     RelaySpec               `yaml:"relay"`
	Resolver  ResolverSpec            `yaml:"resolver"`
	Terminate TerminateSpec           `yaml:"terminate"`
	Watch     WatchSpec               `yaml:"watch"`
	API       APISpec                 `yaml:"api"`
	Profiles  map[string]*ProfileSpec `yaml:"profiles"`

	// Source is the file the configuration was loaded from, if any.
	Source string `yaml:"-"`
}

// LoggingSpec configures the diagnostic logger.
type LoggingSpec struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RelaySpec configures output relays. Buffer and StallTimeout shape the
// shared output channel; MaxPending and MaxLineSize apply per stream.
type RelaySpec struct {
	Buffer       int      `yaml:"buffer"`
	StallTimeout Duration `yaml:"stallTimeout"`
	MaxPending   ByteSize `yaml:"maxPending"`
	MaxLineSize  ByteSize `yaml:"maxLineSize"`
}

// ResolverSpec configures worker resolution for tracked launches.
type ResolverSpec struct {
	MaxWait      Duration `yaml:"maxWait"`
	PollInterval Duration `yaml:"pollInterval"`
	ExcludeNames []string `yaml:"excludeNames"`
}

// TerminateSpec configures tree termination.
type TerminateSpec struct {
	GracePeriod  Duration `yaml:"gracePeriod"`
	PollInterval Duration `yaml:"pollInterval"`
}

// WatchSpec configures the exit watcher used by the API server.
type WatchSpec struct {
	Interval Duration `yaml:"interval"`
}

// APISpec configures the HTTP control surface.
type APISpec struct {
	Addr string `yaml:"addr"`
}

// ProfileSpec is a named, reusable launch definition.
type ProfileSpec struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Dir         string            `yaml:"dir"`
	Env         map[string]string `yaml:"env"`
	EnvFromFile string            `yaml:"envFromFile"`
	Hidden      bool              `yaml:"hidden"`
	Detached    bool              `yaml:"detached"`
	Track       bool              `yaml:"track"`
	Quiet       bool              `yaml:"quiet"`
	Expect      string            `yaml:"expect"`
	Exclude     []string          `yaml:"exclude"`
	MaxWait     Duration          `yaml:"maxWait"`
	Labels      map[string]string `yaml:"labels"`
	WorkspaceID string            `yaml:"workspace"`
}

const (
	DefaultLogLevel      = "warn"
	DefaultLogFormat     = "text"
	DefaultRelayBuffer   = 256
	DefaultMaxLineSize   = 1 << 20
	DefaultMaxPending    = 16 << 20
	DefaultAPIAddr       = "127.0.0.1:7663"
	DefaultWatchInterval = 5 * time.Second
	DefaultGracePeriod   = 2 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Relay.Buffer == 0 {
		c.Relay.Buffer = DefaultRelayBuffer
	}
	if c.Relay.MaxPending.Bytes == 0 {
		c.Relay.MaxPending.Bytes = DefaultMaxPending
	}
	if c.Relay.MaxLineSize.Bytes == 0 {
		c.Relay.MaxLineSize.Bytes = DefaultMaxLineSize
	}
	if !c.Resolver.MaxWait.IsSet() {
		c.Resolver.MaxWait.Duration = resolve.DefaultMaxWait
	}
	if !c.Resolver.PollInterval.IsSet() {
		c.Resolver.PollInterval.Duration = DefaultPollInterval
	}
	if c.Resolver.ExcludeNames == nil {
		c.Resolver.ExcludeNames = append([]string(nil), resolve.DefaultExcludeNames...)
	}
	if !c.Terminate.GracePeriod.IsSet() {
		c.Terminate.GracePeriod.Duration = DefaultGracePeriod
	}
	if !c.Terminate.PollInterval.IsSet() {
		c.Terminate.PollInterval.Duration = DefaultPollInterval
	}
	if !c.Watch.Interval.IsSet() {
		c.Watch.Interval.Duration = DefaultWatchInterval
	}
	if strings.TrimSpace(c.API.Addr) == "" {
		c.API.Addr = DefaultAPIAddr
	}
}

// ProfileNames returns profile names sorted alphabetically.
func (c *Config) ProfileNames() []string {
	out := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LaunchSpec builds the launch request for a profile. Profile labels and
// workspace are carried as correlation data.
func (p *ProfileSpec) LaunchSpec(name string) runtime.LaunchSpec {
	spec := runtime.LaunchSpec{
		Command:      p.Command,
		Args:         append([]string(nil), p.Args...),
		Dir:          p.Dir,
		Hidden:       p.Hidden,
		Detached:     p.Detached,
		Track:        p.Track,
		Quiet:        p.Quiet,
		ExpectedName: p.Expect,
		MaxWait:      p.MaxWait.Duration,
		Correlation: runtime.Correlation{
			ActionID:    name,
			WorkspaceID: p.WorkspaceID,
		},
	}
	if p.Exclude != nil {
		spec.ExcludeNames = append([]string(nil), p.Exclude...)
	}
	if len(p.Env) > 0 {
		spec.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			spec.Env[k] = v
		}
	}
	if len(p.Labels) > 0 {
		spec.Correlation.Labels = make(map[string]string, len(p.Labels))
		for k, v := range p.Labels {
			spec.Correlation.Labels[k] = v
		}
	}
	return spec
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func profileField(profile string, parts ...string) string {
	pathParts := append([]string{"profiles", profile}, parts...)
	return fieldPath(pathParts...)
}
