package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnsure_CreatesDefault(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), FileName)

	cfg, created, err := Ensure(path)

	req.NoError(err)
	req.True(created)
	req.Equal("chat_service", cfg.P2P.ServiceID)
	req.True(cfg.Session.AutoConnect)
	req.FileExists(path)

	// And a second call loads what was written
	again, created, err := Ensure(path)
	req.NoError(err)
	req.False(created)
	req.Equal(cfg, again)
}

func TestLoad_StripsBOMAndKeepsDefaults(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), FileName)
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"profile":{"label":"Ranger"}}`)...)
	req.NoError(os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)

	req.NoError(err)
	req.Equal("Ranger", cfg.Profile.Label)
	req.Equal(Default().Session, cfg.Session)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"key file":      func(c *Config) { c.Identity.KeyFile = " " },
		"port":          func(c *Config) { c.P2P.ListenPort = 70000 },
		"service slash": func(c *Config) { c.P2P.ServiceID = "a/b" },
		"label":         func(c *Config) { c.Profile.Label = "" },
		"sos":           func(c *Config) { c.Profile.SOSText = "" },
		"timeout":       func(c *Config) { c.Session.ConnectTimeoutSec = -1 },
		"retries":       func(c *Config) { c.Session.SendRetries = 11 },
		"payload":       func(c *Config) { c.Session.MaxPayloadBytes = 0 },
		"bridge":        func(c *Config) { c.Bridge.HTTPAddr = "nope" },
		"level":         func(c *Config) { c.Log.Level = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Bridge.HTTPAddr = ""
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	req := require.New(t)
	t.Setenv("NEARCHAT_LABEL", "FromEnv")
	t.Setenv("NEARCHAT_AUTO_CONNECT", "false")
	t.Setenv("NEARCHAT_LISTEN_PORT", "4101")

	cfg := Default()
	req.NoError(ApplyEnv(&cfg))

	req.Equal("FromEnv", cfg.Profile.Label)
	req.False(cfg.Session.AutoConnect)
	req.Equal(4101, cfg.P2P.ListenPort)
	// Unset variables leave the file value alone
	req.Equal(Default().Profile.SOSText, cfg.Profile.SOSText)
}

func TestEnsureFile_LeavesEnvOutOfTheFile(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), FileName)
	t.Setenv("NEARCHAT_LABEL", "FromEnv")
	t.Setenv("NEARCHAT_LISTEN_PORT", "4101")

	// When a config is created and edited without env overrides
	cfg, created, err := EnsureFile(path)
	req.NoError(err)
	req.True(created)
	req.Equal(Default().Profile.Label, cfg.Profile.Label)
	cfg.Profile.SOSText = "SOS: need water"
	req.NoError(Save(path, cfg))

	// Then the file holds only what was edited
	onDisk, err := LoadFile(path)
	req.NoError(err)
	req.Equal(Default().Profile.Label, onDisk.Profile.Label)
	req.Equal(Default().P2P.ListenPort, onDisk.P2P.ListenPort)
	req.Equal("SOS: need water", onDisk.Profile.SOSText)

	// And a normal load still applies the environment on top
	running, err := Load(path)
	req.NoError(err)
	req.Equal("FromEnv", running.Profile.Label)
	req.Equal(4101, running.P2P.ListenPort)
	req.Equal("SOS: need water", running.Profile.SOSText)
}

func TestApplyEnv_BadValue(t *testing.T) {
	t.Setenv("NEARCHAT_LISTEN_PORT", "many")
	cfg := Default()
	require.Error(t, ApplyEnv(&cfg))
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), FileName)
	cfg := Default()
	req.NoError(Save(path, cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan Config, 4)
	go func() { _ = Watch(ctx, path, func(c Config) { changes <- c }) }()

	// Give the watcher a moment to register before editing
	time.Sleep(50 * time.Millisecond)
	cfg.Profile.Label = "Renamed"
	req.NoError(Save(path, cfg))

	select {
	case got := <-changes:
		req.Equal("Renamed", got.Profile.Label)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}
