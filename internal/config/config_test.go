package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "agentd.yaml", `
llm:
  provider: anthropic
  model: claude-test
  timeout: 90s
agent:
  confirmation_policy: require_user
storage:
  conversations:
    driver: sqlite
tools:
  timeout: 15
  shell:
    work_dir: sandbox
    blocked: ["rm -rf /"]
events:
  redis:
    enabled: true
    address: localhost:6379
    prefix: "custom:"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	base := filepath.Dir(path)

	if cfg.Server.Address != ":8080" || cfg.Server.Workers != 4 {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.LLM.Timeout.Std() != 90*time.Second {
		t.Fatalf("expected 90s timeout, got %s", cfg.LLM.Timeout)
	}
	if cfg.Tools.Timeout.Std() != 15*time.Second {
		t.Fatalf("expected integer seconds to decode, got %s", cfg.Tools.Timeout)
	}
	if cfg.Runtime.DataDir != filepath.Join(base, "data") {
		t.Fatalf("unexpected data dir %q", cfg.Runtime.DataDir)
	}
	if cfg.Storage.Conversations.DSN != filepath.Join(base, "data", "agentd.db") {
		t.Fatalf("unexpected sqlite dsn %q", cfg.Storage.Conversations.DSN)
	}
	if cfg.Tools.Shell.WorkDir != filepath.Join(base, "sandbox") {
		t.Fatalf("unexpected shell work dir %q", cfg.Tools.Shell.WorkDir)
	}
	if !cfg.Events.Redis.Enabled || cfg.Events.Redis.Redis.Address != "localhost:6379" || cfg.Events.Redis.Prefix != "custom:" {
		t.Fatalf("unexpected redis sink config: %+v", cfg.Events.Redis)
	}
	if cfg.Queue.Driver != "memory" || cfg.Storage.Mailbox.Driver != "memory" {
		t.Fatalf("unexpected backend defaults: queue=%s mailbox=%s", cfg.Queue.Driver, cfg.Storage.Mailbox.Driver)
	}
}

func TestLoadJSONByExtension(t *testing.T) {
	path := writeFile(t, "agentd.json", `{
  "server": {"address": ":9090", "shutdown_timeout": "3s"},
  "llm": {"provider": "scripted", "timeout": 5},
  "storage": {"conversations": {"driver": "file", "dir": "/var/lib/agentd/conv"}}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" || cfg.Server.ShutdownTimeout.Std() != 3*time.Second {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.LLM.Timeout.Std() != 5*time.Second {
		t.Fatalf("unexpected llm timeout %s", cfg.LLM.Timeout)
	}
	if cfg.Storage.Conversations.Dir != "/var/lib/agentd/conv" {
		t.Fatalf("absolute dir must be kept, got %q", cfg.Storage.Conversations.Dir)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "agentd.yaml", "llm:\n  provider: openai\n  api_key: from-file\n")
	t.Setenv("OPENAI_API_KEY", "from-env")
	t.Setenv("AGENTD_LISTEN", ":7000")
	t.Setenv("AGENTD_CONFIRMATION_POLICY", "require_user")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.APIKey != "from-env" {
		t.Fatalf("expected env api key, got %q", cfg.LLM.APIKey)
	}
	if cfg.Server.Address != ":7000" || cfg.Agent.ConfirmationPolicy != "require_user" {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Server, cfg.Agent)
	}
}

func TestAnthropicKeyOnlyAppliesToAnthropic(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "claude-key")
	t.Setenv("OPENAI_API_KEY", "")
	cfg, err := Default(t.TempDir())
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.APIKey != "" {
		t.Fatalf("anthropic key leaked into openai config: %+v", cfg.LLM)
	}
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	path := writeFile(t, "agentd.yaml", `
llm:
  provider: llama
queue:
  driver: kafka
storage:
  conversations:
    driver: mysql
`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"llm.provider", "queue.driver", "storage.conversations.dsn"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadRequiresPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestSampleConfigLoads(t *testing.T) {
	for _, key := range []string{"AGENTD_PROVIDER", "AGENTD_QUEUE_DRIVER", "AGENTD_CONFIRMATION_POLICY"} {
		t.Setenv(key, "")
	}
	cfg, err := Load(filepath.Join("..", "..", "configs", "agentd.yaml"))
	if err != nil {
		t.Fatalf("load sample config: %v", err)
	}
	if cfg.Queue.Store.Driver != "sqlite" || !strings.HasSuffix(cfg.Queue.Store.DSN, "jobs.db") {
		t.Fatalf("unexpected job store: %+v", cfg.Queue.Store)
	}
	if !cfg.Queue.Store.FailInterrupted {
		t.Fatalf("sample config should fail interrupted jobs")
	}
	if !filepath.IsAbs(cfg.Storage.Conversations.Dir) {
		t.Fatalf("conversation dir should be absolute, got %q", cfg.Storage.Conversations.Dir)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Fatalf("unexpected allowed origins %v", cfg.Server.AllowedOrigins)
	}
}
