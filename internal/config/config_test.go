package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadParsesAndConvertsTimeouts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contest.yaml")
	yamlDoc := `
master:
  host: 0.0.0.0
  port: 9100
  shared_secret: s3cr3t
  heartbeat_secs: 5
  contest: prologin2026
worker:
  port: 9200
  available_slots: 4
  port_range_start: 9300
  port_range_end: 9400
path:
  compile_script: /opt/sadm/compile.sh
  makefiles: /opt/sadm/makefiles
  stechec_server: /opt/sadm/stechec_server
  stechec_client: /opt/sadm/stechec_client
  rules: /opt/sadm/rules.so
timeout:
  server: 400
  dumper: 400
  client: 400
  compile: 120
metrics:
  enabled: true
  port: 9090
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Master.Port != 9100 || cfg.Master.SharedSecret != "s3cr3t" {
		t.Fatalf("unexpected master config: %+v", cfg.Master)
	}
	if cfg.Worker.AvailableSlots != 4 || cfg.Worker.PortRangeEnd != 9400 {
		t.Fatalf("unexpected worker config: %+v", cfg.Worker)
	}
	if cfg.Timeout.Server != 400*time.Second {
		t.Fatalf("expected 400s server timeout, got %s", cfg.Timeout.Server)
	}
	if cfg.Master.HeartbeatTimeout != 15*time.Second {
		t.Fatalf("expected derived heartbeat timeout of 15s, got %s", cfg.Master.HeartbeatTimeout)
	}
}
