package dlp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/raaihank/egress-sentinel/internal/logger"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Registry holds the compiled secret patterns from the rule file followed
// by the built-in PII patterns.
type Registry struct {
	secrets  []Pattern
	pii      []Pattern
	warnings []string
}

// ruleSpec is one [[rules]] entry of a gitleaks-style rule file
type ruleSpec struct {
	ID          string `mapstructure:"id"`
	Regex       string `mapstructure:"regex"`
	Description string `mapstructure:"description"`
}

// LoadRegistry loads secret rules from rulesPath and appends the built-in
// PII patterns. Problems with the rule file only reduce coverage; they are
// reported as warnings, never as errors. An empty rulesPath loads PII only.
func LoadRegistry(rulesPath string, log *logger.Logger) *Registry {
	r := &Registry{pii: builtinPII()}

	if rulesPath != "" {
		r.loadRules(rulesPath)
	}

	if len(r.warnings) > 0 {
		log.Warn("DLP rule file had issues",
			zap.String("rules_path", rulesPath),
			zap.Int("issues", len(r.warnings)),
			zap.Strings("warnings", r.warnings),
		)
	}

	log.Info("DLP patterns loaded",
		zap.Int("secret_patterns", len(r.secrets)),
		zap.Int("pii_patterns", len(r.pii)),
	)

	return r
}

func (r *Registry) loadRules(path string) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.warn("Config file not found: %s", path)
		} else {
			r.warn("Failed to stat config: %v", err)
		}
		return
	}

	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("toml")
	}
	if err := v.ReadInConfig(); err != nil {
		r.warn("Failed to load config: %v", err)
		return
	}

	var rules []ruleSpec
	if err := v.UnmarshalKey("rules", &rules); err != nil {
		r.warn("Failed to decode rules: %v", err)
		return
	}
	if len(rules) == 0 {
		r.warn("No rules found in config file")
		return
	}

	for _, rule := range rules {
		id := rule.ID
		if id == "" {
			id = "unknown"
		}
		if rule.Regex == "" {
			r.warn("Rule '%s': Missing 'regex' field", id)
			continue
		}
		compiled, err := regexp.Compile(rule.Regex)
		if err != nil {
			r.warn("Rule '%s': Invalid regex - %v", id, err)
			continue
		}

		r.secrets = append(r.secrets, Pattern{
			ID:          id,
			Description: rule.Description,
			Regex:       compiled,
			Category:    CategorySecret,
			Placeholder: placeholderFor(id),
		})
	}

	if len(r.secrets) == 0 {
		r.warn("All patterns failed to compile - no secrets will be scrubbed!")
	}
}

func (r *Registry) warn(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

// Patterns returns secret patterns followed by PII patterns. This is the
// order the scrubber evaluates them in.
func (r *Registry) Patterns() []Pattern {
	out := make([]Pattern, 0, len(r.secrets)+len(r.pii))
	out = append(out, r.secrets...)
	return append(out, r.pii...)
}

// Secrets returns the patterns loaded from the rule file
func (r *Registry) Secrets() []Pattern {
	return r.secrets
}

// PII returns the built-in personal data patterns
func (r *Registry) PII() []Pattern {
	return r.pii
}

// Warnings returns the issues hit while loading the rule file
func (r *Registry) Warnings() []string {
	return r.warnings
}

func placeholderFor(id string) string {
	return "[REDACTED_" + strings.ToUpper(strings.ReplaceAll(id, "-", "_")) + "]"
}

func builtinPII() []Pattern {
	defs := []struct {
		id          string
		description string
		regex       string
		validate    func(string) bool
	}{
		{"email", "Email Address",
			`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`, nil},
		{"credit_card", "Credit Card Number",
			`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|6(?:011|5[0-9]{2})[0-9]{12})\b`, nil},
		{"us_ssn", "US Social Security Number",
			`\b\d{3}-\d{2}-\d{4}\b`, validSSN},
		{"phone_us", "US Phone Number",
			`\b(?:\+?1[-.\s]?)?(?:\(?[2-9]\d{2}\)?[-.\s]?)[2-9]\d{2}[-.\s]?\d{4}\b`, nil},
		{"ipv4_private", "Private IPv4 Address",
			`\b(?:10\.\d{1,3}\.\d{1,3}\.\d{1,3}|172\.(?:1[6-9]|2\d|3[01])\.\d{1,3}\.\d{1,3}|192\.168\.\d{1,3}\.\d{1,3})\b`, validIPv4},
	}

	patterns := make([]Pattern, 0, len(defs))
	for _, d := range defs {
		patterns = append(patterns, Pattern{
			ID:          d.id,
			Description: d.description,
			Regex:       regexp.MustCompile(d.regex),
			Category:    CategoryPII,
			Placeholder: "[REDACTED_" + strings.ToUpper(d.id) + "]",
			validate:    d.validate,
		})
	}
	return patterns
}

// validSSN excludes the reserved area numbers 000, 666 and 9xx, group 00
// and serial 0000.
func validSSN(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return false
	}
	area, group, serial := parts[0], parts[1], parts[2]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}

func validIPv4(s string) bool {
	octets := strings.Split(s, ".")
	if len(octets) != 4 {
		return false
	}
	for _, o := range octets {
		n, err := strconv.Atoi(o)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}
