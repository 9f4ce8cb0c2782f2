package config

import (
	"fmt"
	"strings"
)

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "off": true}
	validLogFormats = map[string]bool{"text": true, "json": true}
)

// Validate enforces configuration constraints. Call ApplyDefaults first.
func (c *Config) Validate() error {
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("%s: unsupported level %q (want debug, info, warn, error or off)", fieldPath("logging", "level"), c.Logging.Level)
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("%s: unsupported format %q (want text or json)", fieldPath("logging", "format"), c.Logging.Format)
	}
	if c.Relay.Buffer < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("relay", "buffer"))
	}
	if c.Relay.StallTimeout.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("relay", "stallTimeout"))
	}
	if c.Resolver.MaxWait.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("resolver", "maxWait"))
	}
	if c.Resolver.PollInterval.Duration <= 0 {
		return fmt.Errorf("%s: must be positive", fieldPath("resolver", "pollInterval"))
	}
	for i, name := range c.Resolver.ExcludeNames {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%s: must not be empty", fieldPath("resolver", fmt.Sprintf("excludeNames[%d]", i)))
		}
	}
	if c.Terminate.GracePeriod.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("terminate", "gracePeriod"))
	}
	if c.Terminate.PollInterval.Duration <= 0 {
		return fmt.Errorf("%s: must be positive", fieldPath("terminate", "pollInterval"))
	}
	if c.Watch.Interval.Duration <= 0 {
		return fmt.Errorf("%s: must be positive", fieldPath("watch", "interval"))
	}
	for _, name := range c.ProfileNames() {
		profile := c.Profiles[name]
		if profile == nil {
			return fmt.Errorf("%s: profile is null", profileField(name))
		}
		if strings.TrimSpace(profile.Command) == "" {
			return fmt.Errorf("%s: is required", profileField(name, "command"))
		}
		if profile.MaxWait.Duration < 0 {
			return fmt.Errorf("%s: must be non-negative", profileField(name, "maxWait"))
		}
	}
	return nil
}
