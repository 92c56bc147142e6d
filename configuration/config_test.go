package configuration

import (
	"path/filepath"
	"testing"
	"time"
)

func TestConfigFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	in := &Config{
		ClusterId:     "test",
		Self:          2,
		ListenAddress: "127.0.0.1:7776",
		Seeds: []Peer{
			{PaxId: 1, Address: "127.0.0.1:7777"},
		},
		SyncInterval: 45 * time.Second,
	}
	if err := WriteFile(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.ClusterId != in.ClusterId || out.Self != in.Self || out.ListenAddress != in.ListenAddress {
		t.Fatalf("round trip mismatch: %v vs %v", out, in)
	}
	if len(out.Seeds) != 1 || out.Seeds[0] != in.Seeds[0] {
		t.Fatalf("seeds mismatch: %v", out.Seeds)
	}
	if out.SyncInterval != in.SyncInterval {
		t.Fatalf("sync interval mismatch: %v", out.SyncInterval)
	}
}

func TestLoadFileRequiresListenAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := WriteFile(path, &Config{ClusterId: "test"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected error for missing listen_address")
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestBlankConfig(t *testing.T) {
	c := BlankConfig("alpha", ":7776")
	if c.IsBlank() {
		t.Fatalf("founding config must carry self paxid 1")
	}
	if c.Self != 1 {
		t.Fatalf("self = %v, want 1", c.Self)
	}
	var nilCfg *Config
	if !nilCfg.IsBlank() {
		t.Fatalf("nil config must be blank")
	}
}

func TestCloneIsDeep(t *testing.T) {
	c := BlankConfig("alpha", ":7776")
	c.Seeds = []Peer{{PaxId: 1, Address: "a"}}
	cp := c.Clone()
	cp.Seeds[0].Address = "b"
	if c.Seeds[0].Address != "a" {
		t.Fatalf("clone shares the seeds slice")
	}
}
