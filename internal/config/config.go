package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/nearchat/internal/proto"
	"github.com/petervdpas/nearchat/internal/util"
)

const FileName = "nearchat.json"

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Profile  Profile  `json:"profile"`
	Session  Session  `json:"session"`
	Bridge   Bridge   `json:"bridge"`
	Log      Log      `json:"log"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	ServiceID  string `json:"service_id"`
}

type Profile struct {
	Label   string `json:"label"`    // display name advertised to nearby devices
	SOSText string `json:"sos_text"` // text sent by the SOS action
}

type Session struct {
	AutoConnect bool `json:"auto_connect"`

	// Seconds a connection request may stay unanswered. 0 disables.
	ConnectTimeoutSec int `json:"connect_timeout_seconds"`

	// Seconds without an mDNS announcement before an endpoint is lost.
	LostAfterSec int `json:"lost_after_seconds"`

	// Total time budget for delivering one payload, retries included.
	SendTimeoutSec int `json:"send_timeout_seconds"`
	SendRetries    int `json:"send_retries"`

	MaxPayloadBytes int `json:"max_payload_bytes"`
}

type Bridge struct {
	// Local HTTP/websocket UI bridge. Empty disables it.
	HTTPAddr string `json:"http_addr"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			ServiceID:  proto.DefaultServiceID,
		},
		Profile: Profile{
			Label:   "nearby",
			SOSText: "SOS: I need help",
		},
		Session: Session{
			AutoConnect:       true,
			ConnectTimeoutSec: 30,
			LostAfterSec:      30,
			SendTimeoutSec:    10,
			SendRetries:       2,
			MaxPayloadBytes:   32 * 1024,
		},
		Bridge: Bridge{
			HTTPAddr: "127.0.0.1:8790",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	sid := strings.TrimSpace(c.P2P.ServiceID)
	if sid == "" {
		return errors.New("p2p.service_id is required")
	}
	if strings.ContainsAny(sid, "/ ") {
		return errors.New("p2p.service_id must not contain slashes or spaces")
	}

	// Profile
	if strings.TrimSpace(c.Profile.Label) == "" {
		return errors.New("profile.label is required")
	}
	if strings.TrimSpace(c.Profile.SOSText) == "" {
		return errors.New("profile.sos_text is required")
	}

	// Session
	if c.Session.ConnectTimeoutSec < 0 {
		return errors.New("session.connect_timeout_seconds must be >= 0")
	}
	if c.Session.LostAfterSec <= 0 {
		return errors.New("session.lost_after_seconds must be > 0")
	}
	if c.Session.SendTimeoutSec <= 0 {
		return errors.New("session.send_timeout_seconds must be > 0")
	}
	if c.Session.SendRetries < 0 || c.Session.SendRetries > 10 {
		return errors.New("session.send_retries must be 0..10")
	}
	if c.Session.MaxPayloadBytes < 1 || c.Session.MaxPayloadBytes > 1<<20 {
		return errors.New("session.max_payload_bytes must be 1..1048576")
	}

	// Bridge
	if a := strings.TrimSpace(c.Bridge.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("bridge.http_addr: %w", err)
		}
	}

	// Log
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be debug, info, warn or error")
	}

	return nil
}

func (s Session) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutSec) * time.Second
}

func (s Session) LostAfter() time.Duration {
	return time.Duration(s.LostAfterSec) * time.Second
}

func (s Session) SendTimeout() time.Duration {
	return time.Duration(s.SendTimeoutSec) * time.Second
}

// Load reads path, applies NEARCHAT_* overrides and validates the result.
func Load(path string) (Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return Config{}, err
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFile is Load without environment overrides, for callers that write
// the config back.
func LoadFile(path string) (Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func readFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	return ensure(path, Load)
}

// EnsureFile is Ensure without environment overrides.
func EnsureFile(path string) (Config, bool, error) {
	return ensure(path, LoadFile)
}

func ensure(path string, load func(string) (Config, error)) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	if err := Save(path, Default()); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	cfg, err := load(path)
	return cfg, true, err
}
