package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "NEARCHAT"

// envOverrides lists the settings that may come from the environment. Unset
// variables leave the pointer nil so the file value wins.
type envOverrides struct {
	ListenPort  *int    `envconfig:"LISTEN_PORT"`
	ServiceID   *string `envconfig:"SERVICE_ID"`
	Label       *string `envconfig:"LABEL"`
	SOSText     *string `envconfig:"SOS_TEXT"`
	AutoConnect *bool   `envconfig:"AUTO_CONNECT"`
	HTTPAddr    *string `envconfig:"HTTP_ADDR"`
	LogLevel    *string `envconfig:"LOG_LEVEL"`
}

// ApplyEnv overlays NEARCHAT_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	if env.ListenPort != nil {
		cfg.P2P.ListenPort = *env.ListenPort
	}
	if env.ServiceID != nil {
		cfg.P2P.ServiceID = *env.ServiceID
	}
	if env.Label != nil {
		cfg.Profile.Label = *env.Label
	}
	if env.SOSText != nil {
		cfg.Profile.SOSText = *env.SOSText
	}
	if env.AutoConnect != nil {
		cfg.Session.AutoConnect = *env.AutoConnect
	}
	if env.HTTPAddr != nil {
		cfg.Bridge.HTTPAddr = *env.HTTPAddr
	}
	if env.LogLevel != nil {
		cfg.Log.Level = *env.LogLevel
	}
	return nil
}
