package config_test

import (
	"StakeLedger/internal/config"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

const owner = "550e8400-e29b-41d4-a716-446655440000"

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return fs
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STAKE_OWNER_ID", owner)

	cfg, err := config.Load("", newFlags(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GRPCAddr != ":9090" || cfg.HTTPAddr != ":8080" {
		t.Errorf("addrs: got %s / %s", cfg.GRPCAddr, cfg.HTTPAddr)
	}
	if cfg.PersistBatchSize != 50 {
		t.Errorf("persist batch size: got %d, want 50", cfg.PersistBatchSize)
	}
	if cfg.PersistFlushTimeout != 10*time.Millisecond {
		t.Errorf("flush timeout: got %s", cfg.PersistFlushTimeout)
	}
	if cfg.MinStake.Uint64() != 1 {
		t.Errorf("min stake: got %s, want 1", cfg.MinStake)
	}
	if cfg.OwnerID.String() != owner {
		t.Errorf("owner: got %s", cfg.OwnerID)
	}
	if !cfg.NATSEnabled {
		t.Error("nats should be enabled by default")
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "stakeledger.yaml")
	content := "persist-batch-size: 10\nsnapshot-interval: 500\nhttp-addr: \":7000\"\n"
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("STAKE_OWNER_ID", owner)
	t.Setenv("STAKE_SNAPSHOT_INTERVAL", "900")
	t.Setenv("STAKE_HTTP_ADDR", ":7100")

	cfg, err := config.Load(file, newFlags(t, "--http-addr=:7200", "--min-stake=1000"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.PersistBatchSize != 10 {
		t.Errorf("file value: got %d, want 10", cfg.PersistBatchSize)
	}
	if cfg.SnapshotInterval != 900 {
		t.Errorf("env over file: got %d, want 900", cfg.SnapshotInterval)
	}
	if cfg.HTTPAddr != ":7200" {
		t.Errorf("flag over env: got %s, want :7200", cfg.HTTPAddr)
	}
	if cfg.MinStake.Uint64() != 1000 {
		t.Errorf("min stake: got %s, want 1000", cfg.MinStake)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing owner", map[string]string{}},
		{"bad owner", map[string]string{"STAKE_OWNER_ID": "root"}},
		{"bad min stake", map[string]string{"STAKE_OWNER_ID": owner, "STAKE_MIN_STAKE": "-1"}},
		{"zero batch", map[string]string{"STAKE_OWNER_ID": owner, "STAKE_PERSIST_BATCH_SIZE": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STAKE_OWNER_ID", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := config.Load("", newFlags(t)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
