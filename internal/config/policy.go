package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Kayzwer/codeflash/internal/concurrency"
	"github.com/Kayzwer/codeflash/internal/policy"
	"github.com/Kayzwer/codeflash/internal/trust"
)

// DefaultSensitivePaths cover the automation's own trigger definitions.
var DefaultSensitivePaths = []string{
	".github/workflows/**",
	".github/actions/**",
	".automation/**",
}

// Policy is the admission policy file. It is read once at startup.
type Policy struct {
	// Allowlist maps a login to "maintainer" or "semi-trusted".
	Allowlist      map[string]string `yaml:"allowlist"`
	SensitivePaths []string          `yaml:"sensitive_paths"`
	GracePeriod    time.Duration     `yaml:"grace_period"`
	SlotRetention  time.Duration     `yaml:"slot_retention"`
	Retry          RetryPolicy       `yaml:"retry"`
}

// RetryPolicy overrides the dispatcher retry bounds when set.
type RetryPolicy struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// LoadPolicy reads and validates the policy file at path.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

// ParsePolicy decodes a YAML policy document. Unknown keys are errors so a
// misspelt section cannot silently disable a rule.
func ParsePolicy(data []byte) (*Policy, error) {
	p := &Policy{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}
	p.applyDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) applyDefaults() {
	if len(p.SensitivePaths) == 0 {
		p.SensitivePaths = append([]string(nil), DefaultSensitivePaths...)
	}
	if p.GracePeriod == 0 {
		p.GracePeriod = concurrency.DefaultGracePeriod
	}
	if p.SlotRetention == 0 {
		p.SlotRetention = time.Hour
	}
}

func (p *Policy) validate() error {
	if _, err := p.Tiers(); err != nil {
		return err
	}
	if _, err := policy.NewNamespace(p.SensitivePaths); err != nil {
		return fmt.Errorf("sensitive_paths: %w", err)
	}
	if p.GracePeriod < 0 {
		return fmt.Errorf("grace_period must not be negative")
	}
	if p.SlotRetention < 0 {
		return fmt.Errorf("slot_retention must not be negative")
	}
	r := p.Retry
	if r.MaxAttempts < 0 || r.InitialBackoff < 0 || r.MaxBackoff < 0 {
		return fmt.Errorf("retry bounds must not be negative")
	}
	if r.BackoffMultiplier != 0 && r.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1")
	}
	if r.InitialBackoff > 0 && r.MaxBackoff > 0 && r.MaxBackoff < r.InitialBackoff {
		return fmt.Errorf("retry.max_backoff must be >= retry.initial_backoff")
	}
	return nil
}

// Tiers parses the allowlist.
func (p *Policy) Tiers() (map[string]trust.Tier, error) {
	tiers := make(map[string]trust.Tier, len(p.Allowlist))
	seen := make(map[string]string, len(p.Allowlist))
	for login, raw := range p.Allowlist {
		folded := strings.ToLower(strings.TrimSpace(login))
		if other, dup := seen[folded]; dup {
			a, b := other, login
			if b < a {
				a, b = b, a
			}
			return nil, fmt.Errorf("allowlist entries %q and %q name the same login", a, b)
		}
		seen[folded] = login
		tier, err := trust.ParseTier(raw)
		if err != nil {
			return nil, fmt.Errorf("allowlist entry %q: %w", login, err)
		}
		if tier == trust.Untrusted {
			return nil, fmt.Errorf("allowlist entry %q: listing a login as untrusted has no effect", login)
		}
		tiers[login] = tier
	}
	return tiers, nil
}

// Namespace compiles the sensitive path patterns.
func (p *Policy) Namespace() *policy.Namespace {
	return policy.MustNamespace(p.SensitivePaths...)
}

// ApplyRetry overlays the policy's retry bounds on the env configuration.
func (p *Policy) ApplyRetry(c *Config) {
	if p.Retry.MaxAttempts > 0 {
		c.DispatcherMaxAttempts = p.Retry.MaxAttempts
	}
	if p.Retry.InitialBackoff > 0 {
		c.DispatcherRetryInitial = p.Retry.InitialBackoff
	}
	if p.Retry.MaxBackoff > 0 {
		c.DispatcherRetryMax = p.Retry.MaxBackoff
	}
	if p.Retry.BackoffMultiplier >= 1 {
		c.DispatcherBackoffMultiplier = p.Retry.BackoffMultiplier
	}
	if c.DispatcherRetryMax < c.DispatcherRetryInitial {
		c.DispatcherRetryMax = c.DispatcherRetryInitial
	}
}
