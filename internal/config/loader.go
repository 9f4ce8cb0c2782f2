package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is read when neither a flag nor PROCSUP_CONFIG names a file.
	DefaultPath = "procsup.yaml"
	// PathEnv names the environment variable holding the config path.
	PathEnv = "PROCSUP_CONFIG"
)

// Resolve loads configuration for a command invocation. An explicit path, or
// one from PROCSUP_CONFIG, must exist. The default path is optional: when it
// is missing the defaults are used. Environment overrides apply either way.
func Resolve(path string) (*Config, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		if env := strings.TrimSpace(os.Getenv(PathEnv)); env != "" {
			path = env
			explicit = true
		} else {
			path = DefaultPath
		}
	}

	cfg, err := Load(path)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = Default()
		cfg.ApplyEnv(os.Getenv)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Load reads a configuration file from the provided path.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	var doc Config
	if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}
	doc.Source = absPath

	baseDir := filepath.Dir(absPath)
	for name, profile := range doc.Profiles {
		if profile == nil {
			continue
		}
		if profile.Dir != "" {
			profile.Dir = resolveDir(baseDir, os.ExpandEnv(profile.Dir))
		}

		var inlineEnv map[string]string
		if len(profile.Env) > 0 {
			inlineEnv = make(map[string]string, len(profile.Env))
			for k, v := range profile.Env {
				inlineEnv[k] = os.ExpandEnv(v)
			}
		}

		var fileEnv map[string]string
		if profile.EnvFromFile != "" {
			expanded := os.ExpandEnv(profile.EnvFromFile)
			if !filepath.IsAbs(expanded) {
				expanded = filepath.Clean(filepath.Join(baseDir, expanded))
			}
			profile.EnvFromFile = expanded

			var err error
			fileEnv, err = loadEnvFile(expanded)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", profileField(name, "envFromFile"), err)
			}
		}

		// Inline values win over the env file.
		var merged map[string]string
		if len(fileEnv) > 0 || len(inlineEnv) > 0 {
			merged = make(map[string]string, len(fileEnv)+len(inlineEnv))
			for k, v := range fileEnv {
				merged[k] = v
			}
			for k, v := range inlineEnv {
				merged[k] = v
			}
		}
		profile.Env = merged
	}

	doc.ApplyDefaults()
	doc.ApplyEnv(os.Getenv)
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return &doc, nil
}

// ApplyEnv applies PROCSUP_* overrides read through getenv. Unparseable or
// non-positive durations are ignored, matching how flags treat bad input.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		return
	}
	if value := strings.TrimSpace(getenv("PROCSUP_LOG_LEVEL")); value != "" {
		c.Logging.Level = strings.ToLower(value)
	}
	if value := strings.TrimSpace(getenv("PROCSUP_LOG_FORMAT")); value != "" {
		c.Logging.Format = strings.ToLower(value)
	}
	if value := getenv("PROCSUP_RESOLVE_MAX_WAIT"); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			c.Resolver.MaxWait = Duration{Duration: d, explicit: true}
		}
	}
	if value := getenv("PROCSUP_TERMINATE_GRACE"); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d >= 0 {
			c.Terminate.GracePeriod = Duration{Duration: d, explicit: true}
		}
	}
	if value := getenv("PROCSUP_WATCH_INTERVAL"); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			c.Watch.Interval = Duration{Duration: d, explicit: true}
		}
	}
	if value := getenv("PROCSUP_RELAY_BUFFER"); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			c.Relay.Buffer = n
		}
	}
	if value := getenv("PROCSUP_RELAY_MAX_PENDING"); value != "" {
		if n, err := ParseByteSize(value); err == nil && n > 0 {
			c.Relay.MaxPending.Bytes = n
		}
	}
	if value := getenv("PROCSUP_RELAY_MAX_LINE"); value != "" {
		if n, err := ParseByteSize(value); err == nil && n > 0 {
			c.Relay.MaxLineSize.Bytes = n
		}
	}
	if value := strings.TrimSpace(getenv("PROCSUP_API_ADDR")); value != "" {
		c.API.Addr = value
	}
}

func resolveDir(base, dir string) string {
	if filepath.IsAbs(dir) {
		return filepath.Clean(dir)
	}
	return filepath.Clean(filepath.Join(base, dir))
}

func loadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	values := make(map[string]string)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		raw = strings.TrimSpace(strings.TrimPrefix(raw, "export "))
		sep := strings.IndexRune(raw, '=')
		if sep <= 0 {
			return nil, fmt.Errorf("load env file %q: invalid line %d", path, lineNo)
		}
		key := strings.TrimSpace(raw[:sep])
		value := strings.TrimSpace(raw[sep+1:])
		switch {
		case strings.HasPrefix(value, `"`):
			unquoted, err := strconv.Unquote(value)
			if err != nil {
				return nil, fmt.Errorf("load env file %q: parse value for %s on line %d: %w", path, key, lineNo, err)
			}
			value = unquoted
		case strings.HasPrefix(value, "'"):
			if len(value) < 2 || !strings.HasSuffix(value, "'") {
				return nil, fmt.Errorf("load env file %q: unmatched quote on line %d", path, lineNo)
			}
			value = value[1 : len(value)-1]
		default:
			if comment := strings.Index(value, " #"); comment >= 0 {
				value = strings.TrimSpace(value[:comment])
			}
		}
		values[key] = os.ExpandEnv(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	return values, nil
}
