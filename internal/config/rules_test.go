package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const sampleRules = `
rules:
  burst:
    enabled: true
    window_sec: 30
    limit_per_token: 200
  big_request:
    enabled: false
whitelist:
  ips:
    - 10.0.0.0/24
    - 192.168.1.1
    - not-an-ip/99
  users:
    - admin
  tokens:
    - 42
alerts:
  cooldown_seconds: 600
  batch_threshold: 5
  templates:
    burst: "token {{.token_id}} fired {{.request_count}} requests"
`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRules(t *testing.T) {
	rf, err := LoadRules(writeRules(t, sampleRules))
	if err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}

	burst := rf.Rule("burst")
	if !burst.IsEnabled() {
		t.Error("burst should be enabled")
	}
	if burst.WindowSec != 30 || burst.LimitPerToken != 200 {
		t.Errorf("unexpected burst config: %+v", burst)
	}

	if rf.Rule("big_request").IsEnabled() {
		t.Error("big_request should be disabled")
	}

	// Rules absent from the file default to enabled.
	if !rf.Rule("ip_many_users").IsEnabled() {
		t.Error("unconfigured rule should default to enabled")
	}

	if got := rf.CooldownTTL(); got != 600*time.Second {
		t.Errorf("CooldownTTL = %v, want 600s", got)
	}
	if got := rf.BatchThreshold(); got != 5 {
		t.Errorf("BatchThreshold = %d, want 5", got)
	}
	if rf.Template("burst") == "" {
		t.Error("burst template missing")
	}
}

func TestLoadRules_MissingFile(t *testing.T) {
	rf, err := LoadRules(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not be an error, got %v", err)
	}

	if !rf.Rule("burst").IsEnabled() {
		t.Error("defaults should enable every rule")
	}
	if got := rf.CooldownTTL(); got != 300*time.Second {
		t.Errorf("default CooldownTTL = %v, want 300s", got)
	}
	if got := rf.BatchThreshold(); got != 10 {
		t.Errorf("default BatchThreshold = %d, want 10", got)
	}
}

func TestLoadRules_Malformed(t *testing.T) {
	if _, err := LoadRules(writeRules(t, "rules: [not: valid")); err == nil {
		t.Error("expected parse error")
	}
}

func TestWhitelist_HasIP(t *testing.T) {
	w := Whitelist{IPs: []string{"10.0.0.0/24", "192.168.1.1", "bogus/99", "not-an-ip"}}

	cases := []struct {
		ip   string
		want bool
	}{
		{"10.0.0.5", true},   // inside the CIDR block
		{"10.0.1.5", false},  // outside the CIDR block
		{"192.168.1.1", true},
		{"192.168.1.2", false},
		{"", false},
		{"garbage", false},
	}
	for _, tc := range cases {
		if got := w.HasIP(tc.ip); got != tc.want {
			t.Errorf("HasIP(%q) = %v, want %v", tc.ip, got, tc.want)
		}
	}
}

func TestWhitelist_TokensAndUsers(t *testing.T) {
	w := Whitelist{Tokens: []int64{42}, Users: []string{"admin"}}

	if !w.HasToken(42) || w.HasToken(43) {
		t.Error("token whitelist mismatch")
	}
	if !w.HasUser("admin") || w.HasUser("alice") {
		t.Error("user whitelist mismatch")
	}
}

func TestRulesHolder_Reload(t *testing.T) {
	path := writeRules(t, sampleRules)

	h, err := NewRulesHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	before := h.Get()
	if got := before.BatchThreshold(); got != 5 {
		t.Fatalf("BatchThreshold = %d, want 5", got)
	}

	if err := os.WriteFile(path, []byte("alerts:\n  batch_threshold: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if got := h.Get().BatchThreshold(); got != 7 {
		t.Errorf("after reload BatchThreshold = %d, want 7", got)
	}

	// The snapshot taken before the reload is unchanged.
	if got := before.BatchThreshold(); got != 5 {
		t.Errorf("old snapshot mutated, BatchThreshold = %d", got)
	}
}

func TestRulesHolder_ReloadKeepsOldOnError(t *testing.T) {
	path := writeRules(t, sampleRules)

	h, err := NewRulesHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	if err := os.WriteFile(path, []byte("rules: [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.Reload(); err == nil {
		t.Fatal("expected reload error")
	}

	if got := h.Get().BatchThreshold(); got != 5 {
		t.Errorf("holder should keep old rules on failed reload, BatchThreshold = %d", got)
	}
}
