package ratelimiter

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
)

// RateLimitConfig bounds the number of requests per window for one rule.
type RateLimitConfig struct {
	// Window is the fixed window length. Must be positive.
	Window time.Duration
	// MaxRequests is the number of requests admitted per window. Must be at least 1.
	MaxRequests int64
	// SkipSuccessful refunds admitted requests whose response status is below 400.
	SkipSuccessful bool
	// SkipFailed refunds admitted requests whose response status is 400 or above.
	SkipFailed bool
}

// Validate reports whether the config satisfies its invariants.
func (c RateLimitConfig) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidConfig, c.Window)
	}
	if c.Window < time.Millisecond {
		return fmt.Errorf("%w: window must be at least 1ms, got %s", ErrInvalidConfig, c.Window)
	}
	if c.MaxRequests < 1 {
		return fmt.Errorf("%w: max requests must be at least 1, got %d", ErrInvalidConfig, c.MaxRequests)
	}
	return nil
}

// Rule binds a path matcher to a RateLimitConfig.
//
// Exactly one of Path or Pattern must be set. Path is a literal prefix;
// Pattern is a regular expression tested against the whole request path.
type Rule struct {
	Path        string
	Pattern     string
	Config      RateLimitConfig
	Description string

	re *regexp.Regexp
}

// Source returns the matcher text of the rule. Its length decides precedence.
func (r Rule) Source() string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.Path
}

func (r Rule) String() string {
	kind := "path"
	if r.Pattern != "" {
		kind = "pattern"
	}
	return fmt.Sprintf("%s=%q max=%d window=%s", kind, r.Source(), r.Config.MaxRequests, r.Config.Window)
}

// matches reports whether path is covered by the compiled rule.
func (r Rule) matches(path string) bool {
	if r.re != nil {
		return r.re.MatchString(path)
	}
	return strings.HasPrefix(path, r.Path)
}

// compile validates the rule and prepares its matcher.
func (r Rule) compile() (Rule, error) {
	switch {
	case r.Path == "" && r.Pattern == "":
		return r, ErrEmptyMatcher
	case r.Path != "" && r.Pattern != "":
		return r, fmt.Errorf("%w: rule sets both path %q and pattern %q", ErrInvalidConfig, r.Path, r.Pattern)
	}
	if err := r.Config.Validate(); err != nil {
		return r, err
	}
	if r.Pattern != "" {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return r, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, r.Pattern, err)
		}
		r.re = re
	}
	return r, nil
}

// Registry holds the ordered rule set and resolves the rule for a path.
//
// The rule set is read-only between reloads; Reload swaps it atomically so
// that in-flight lookups always see either the old or the new set.
type Registry struct {
	rules atomic.Pointer[[]Rule]
}

// NewRegistry validates and registers rules in order.
// Any invalid rule rejects the whole set.
func NewRegistry(rules ...Rule) (*Registry, error) {
	r := &Registry{}
	if err := r.Reload(rules); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces every registered rule. On error the previous set stays active.
func (r *Registry) Reload(rules []Rule) error {
	compiled := make([]Rule, 0, len(rules))
	for i, rule := range rules {
		c, err := rule.compile()
		if err != nil {
			return fmt.Errorf("rule %d (%s): %w", i, rule.Source(), err)
		}
		compiled = append(compiled, c)
	}
	r.rules.Store(&compiled)
	return nil
}

// Rules returns a copy of the registered rules in registration order.
func (r *Registry) Rules() []Rule {
	rules := r.load()
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// Match returns the most specific rule covering path.
//
// Specificity is the length of the matcher source text, so prefix and
// pattern rules compete on raw text length. Equal lengths resolve to the
// rule registered first.
func (r *Registry) Match(path string) (Rule, bool) {
	rules := r.load()
	best := -1
	for i := range rules {
		if !rules[i].matches(path) {
			continue
		}
		if best < 0 || len(rules[i].Source()) > len(rules[best].Source()) {
			best = i
		}
	}
	if best < 0 {
		return Rule{}, false
	}
	return rules[best], true
}

func (r *Registry) load() []Rule {
	if p := r.rules.Load(); p != nil {
		return *p
	}
	return nil
}
