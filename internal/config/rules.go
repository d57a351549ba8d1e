package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RulesFile is the parsed rules.yaml: per-rule tuning, whitelists and alert
// settings. A loaded RulesFile is never mutated; reloads swap in a new one.
type RulesFile struct {
	Rules     map[string]RuleConfig `yaml:"rules"`
	Whitelist Whitelist             `yaml:"whitelist"`
	Alerts    AlertConfig           `yaml:"alerts"`
}

type RuleConfig struct {
	Enabled        *bool   `yaml:"enabled"`
	WindowSec      int     `yaml:"window_sec"`
	LimitPerToken  int     `yaml:"limit_per_token"`
	UsersThreshold int     `yaml:"users_threshold"`
	Sigma          float64 `yaml:"sigma"`
}

type Whitelist struct {
	IPs    []string `yaml:"ips"` // literal IPs or CIDR blocks
	Users  []string `yaml:"users"`
	Tokens []int64  `yaml:"tokens"`
}

type AlertConfig struct {
	CooldownSeconds int               `yaml:"cooldown_seconds"`
	BatchThreshold  int               `yaml:"batch_threshold"`
	Templates       map[string]string `yaml:"templates"`
}

// LoadRules parses the rules file. A missing file is not an error: every rule
// then runs with its built-in defaults and empty whitelists.
func LoadRules(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &RulesFile{}, nil
		}
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var rf RulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	return &rf, nil
}

// Rule returns the config block for a rule name; missing blocks are zero
// values, which accessors treat as "use the default".
func (rf *RulesFile) Rule(name string) RuleConfig {
	if rf.Rules == nil {
		return RuleConfig{}
	}
	return rf.Rules[name]
}

// Enabled defaults to true when the rules file does not say otherwise.
func (rc RuleConfig) IsEnabled() bool {
	return rc.Enabled == nil || *rc.Enabled
}

func (rf *RulesFile) CooldownTTL() time.Duration {
	if rf.Alerts.CooldownSeconds > 0 {
		return time.Duration(rf.Alerts.CooldownSeconds) * time.Second
	}
	return 300 * time.Second
}

func (rf *RulesFile) BatchThreshold() int {
	if rf.Alerts.BatchThreshold > 0 {
		return rf.Alerts.BatchThreshold
	}
	return 10
}

func (rf *RulesFile) Template(rule string) string {
	return rf.Alerts.Templates[rule]
}

func (w Whitelist) HasToken(tokenID int64) bool {
	for _, id := range w.Tokens {
		if id == tokenID {
			return true
		}
	}
	return false
}

func (w Whitelist) HasUser(username string) bool {
	for _, u := range w.Users {
		if u == username {
			return true
		}
	}
	return false
}

// HasIP reports whether ip matches a whitelisted literal IP or falls inside a
// whitelisted CIDR block. Malformed whitelist entries and unparseable source
// IPs are skipped, never fatal.
func (w Whitelist) HasIP(ip string) bool {
	for _, entry := range w.IPs {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			addr, err := netip.ParseAddr(ip)
			if err != nil {
				continue
			}
			if prefix.Contains(addr) {
				return true
			}
		} else if entry == ip {
			return true
		}
	}
	return false
}
