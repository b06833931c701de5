// Package ruleset loads route rules from YAML files and keeps a Registry in
// sync with them.
//
// A rule file looks like:
//
//	rules:
//	  - path: /api/auth/login
//	    window: 15m
//	    max_requests: 5
//	    description: login attempts
//	  - pattern: ^/api/v[0-9]+/search
//	    window_ms: 60000
//	    max_requests: 30
//	    skip_failed: true
package ruleset

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	ratelimiter "github.com/jassus213/go-route-limiter"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables that override rule limits.
const EnvPrefix = "ROUTELIMIT"

// File is the on-disk layout of a rule file.
type File struct {
	Rules []RuleSpec `yaml:"rules"`
}

// RuleSpec is one rule as written in YAML. Exactly one of Path and Pattern
// must be set, and exactly one of Window and WindowMs.
type RuleSpec struct {
	Name           string `yaml:"name"`
	Path           string `yaml:"path"`
	Pattern        string `yaml:"pattern"`
	Window         string `yaml:"window"`
	WindowMs       int64  `yaml:"window_ms"`
	MaxRequests    int64  `yaml:"max_requests"`
	SkipSuccessful bool   `yaml:"skip_successful"`
	SkipFailed     bool   `yaml:"skip_failed"`
	Description    string `yaml:"description"`
}

// Load reads and parses the rule file at path.
func Load(path string) ([]ratelimiter.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file %q: %w", path, err)
	}
	rules, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("rule file %q: %w", path, err)
	}
	return rules, nil
}

// LoadWithEnvOverrides loads path and then applies overrides from the
// environment. For a rule named "login", ROUTELIMIT_LOGIN_MAX_REQUESTS and
// ROUTELIMIT_LOGIN_WINDOW replace its limit and window. Malformed values are
// reported as errors.
func LoadWithEnvOverrides(path string) ([]ratelimiter.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file %q: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rule file %q: %w", path, err)
	}
	if err := applyEnvOverrides(f.Rules, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("rule file %q: %w", path, err)
	}
	rules, err := f.build()
	if err != nil {
		return nil, fmt.Errorf("rule file %q: %w", path, err)
	}
	return rules, nil
}

// Parse decodes and validates a rule document.
// The returned rules are in file order, ready for ratelimiter.NewRegistry.
func Parse(data []byte) ([]ratelimiter.Rule, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	return f.build()
}

func (f File) build() ([]ratelimiter.Rule, error) {
	rules := make([]ratelimiter.Rule, 0, len(f.Rules))
	for i, spec := range f.Rules {
		rule, err := spec.Rule()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	// Compile once so callers get pattern and limit errors at load time.
	if _, err := ratelimiter.NewRegistry(rules...); err != nil {
		return nil, err
	}
	return rules, nil
}

// Rule converts the YAML form into a ratelimiter.Rule.
func (s RuleSpec) Rule() (ratelimiter.Rule, error) {
	window, err := s.window()
	if err != nil {
		return ratelimiter.Rule{}, err
	}
	return ratelimiter.Rule{
		Path:    s.Path,
		Pattern: s.Pattern,
		Config: ratelimiter.RateLimitConfig{
			Window:         window,
			MaxRequests:    s.MaxRequests,
			SkipSuccessful: s.SkipSuccessful,
			SkipFailed:     s.SkipFailed,
		},
		Description: s.Description,
	}, nil
}

func (s RuleSpec) window() (time.Duration, error) {
	switch {
	case s.Window != "" && s.WindowMs != 0:
		return 0, fmt.Errorf("%w: both window and window_ms are set", ratelimiter.ErrInvalidConfig)
	case s.Window != "":
		d, err := time.ParseDuration(s.Window)
		if err != nil {
			return 0, fmt.Errorf("%w: window %q: %v", ratelimiter.ErrInvalidConfig, s.Window, err)
		}
		return d, nil
	default:
		return time.Duration(s.WindowMs) * time.Millisecond, nil
	}
}

func applyEnvOverrides(specs []RuleSpec, lookup func(string) (string, bool)) error {
	for i := range specs {
		name := envName(specs[i].Name)
		if name == "" {
			continue
		}
		if val, ok := lookup(EnvPrefix + "_" + name + "_MAX_REQUESTS"); ok {
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: %s_%s_MAX_REQUESTS=%q", ratelimiter.ErrInvalidConfig, EnvPrefix, name, val)
			}
			specs[i].MaxRequests = n
		}
		if val, ok := lookup(EnvPrefix + "_" + name + "_WINDOW"); ok {
			specs[i].Window = val
			specs[i].WindowMs = 0
		}
	}
	return nil
}

// envName upper-cases name and replaces anything outside [A-Z0-9] with '_'.
func envName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}
