// Package config loads and serves the daemon configuration: identifying
// attribute rules, device blacklists and runtime knobs, from a YAML file
// with environment overrides, with live reload on file change.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for its configuration file.
const DefaultPath = "/etc/multipathd/uevent.yaml"

// file mirrors the YAML configuration document.
type file struct {
	// UIDAttrs lists identifying-attribute rules as "prefix:ATTRIBUTE"
	// entries, e.g. "sd:ID_SERIAL"; order is significant.
	UIDAttrs []string `yaml:"uid_attrs"`

	Blacklist           blacklistSection `yaml:"blacklist"`
	BlacklistExceptions blacklistSection `yaml:"blacklist_exceptions"`

	// DiscardRules are expr expressions evaluated against
	// {"kernel": <name>}; a rule returning true discards the device.
	DiscardRules []string `yaml:"discard_rules"`

	ReceiveBufferBytes int    `yaml:"receive_buffer_bytes"`
	JournalPath        string `yaml:"journal_path"`
	LogLevel           string `yaml:"log_level"`
}

type blacklistSection struct {
	Devnode []string `yaml:"devnode"`
}

// overrides are environment knobs layered on top of the file.
type overrides struct {
	ConfigPath  string `env:"MULTIPATHD_CONFIG"`
	JournalPath string `env:"MULTIPATHD_JOURNAL"`
	LogLevel    string `env:"MULTIPATHD_LOG_LEVEL"`
}

type uidAttr struct {
	prefix    string
	attribute string
}

// Config is one immutable, compiled configuration snapshot.
type Config struct {
	uidAttrs   []uidAttr
	blacklist  []*regexp.Regexp
	exceptions []*regexp.Regexp
	rules      []*vm.Program

	ReceiveBufferBytes int
	JournalPath        string
	LogLevel           logrus.Level
}

// Path returns the configuration file path, honoring MULTIPATHD_CONFIG.
func Path() string {
	var o overrides
	if err := env.Parse(&o); err == nil && o.ConfigPath != "" {
		return o.ConfigPath
	}
	return DefaultPath
}

// Load reads, overlays and compiles the configuration at path. A missing
// file yields the defaults; a malformed one is an error so a bad reload
// never replaces a good config.
func Load(path string) (*Config, error) {
	var f file
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logrus.Infof("no configuration file at %s, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	var o overrides
	if err := env.Parse(&o); err != nil {
		return nil, fmt.Errorf("parsing config environment: %w", err)
	}
	if o.JournalPath != "" {
		f.JournalPath = o.JournalPath
	}
	if o.LogLevel != "" {
		f.LogLevel = o.LogLevel
	}

	return compile(&f)
}

func compile(f *file) (*Config, error) {
	cfg := &Config{
		ReceiveBufferBytes: f.ReceiveBufferBytes,
		JournalPath:        f.JournalPath,
		LogLevel:           logrus.InfoLevel,
	}

	if f.LogLevel != "" {
		level, err := logrus.ParseLevel(f.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log_level: %w", err)
		}
		cfg.LogLevel = level
	}

	for _, entry := range f.UIDAttrs {
		prefix, attribute, found := strings.Cut(entry, ":")
		if !found || attribute == "" {
			return nil, fmt.Errorf("invalid uid_attrs entry %q, want prefix:ATTRIBUTE", entry)
		}
		cfg.uidAttrs = append(cfg.uidAttrs, uidAttr{prefix: prefix, attribute: attribute})
	}

	var err error
	if cfg.blacklist, err = compileRegexps(f.Blacklist.Devnode); err != nil {
		return nil, fmt.Errorf("invalid blacklist devnode: %w", err)
	}
	if cfg.exceptions, err = compileRegexps(f.BlacklistExceptions.Devnode); err != nil {
		return nil, fmt.Errorf("invalid blacklist_exceptions devnode: %w", err)
	}

	ruleEnv := map[string]interface{}{"kernel": ""}
	for _, rule := range f.DiscardRules {
		program, err := expr.Compile(rule, expr.Env(ruleEnv), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compiling discard rule %q: %w", rule, err)
		}
		cfg.rules = append(cfg.rules, program)
	}

	return cfg, nil
}

func compileRegexps(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		res = append(res, re)
	}
	return res, nil
}

// uidAttributes returns the ordered identifying attribute names whose
// prefix matches the kernel device name.
func (c *Config) uidAttributes(kernel string) []string {
	var names []string
	for _, ua := range c.uidAttrs {
		if strings.HasPrefix(kernel, ua.prefix) {
			names = append(names, ua.attribute)
		}
	}
	return names
}

// shouldDiscard applies the devnode blacklist (exceptions win), then the
// expr discard rules.
func (c *Config) shouldDiscard(kernel string) bool {
	for _, re := range c.exceptions {
		if re.MatchString(kernel) {
			return false
		}
	}
	for _, re := range c.blacklist {
		if re.MatchString(kernel) {
			return true
		}
	}
	for _, program := range c.rules {
		out, err := expr.Run(program, map[string]interface{}{"kernel": kernel})
		if err != nil {
			logrus.Warnf("discard rule failed for %s: %v", kernel, err)
			continue
		}
		if discard, ok := out.(bool); ok && discard {
			return true
		}
	}
	return false
}
