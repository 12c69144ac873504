// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/nearchat/internal/config"
)

// PromptInteractive walks through the settings a new device usually needs
// and returns the edited config. Invalid answers fall back to defaults.
func PromptInteractive(in io.Reader, out io.Writer, peerDir, cfgPath string, cfg config.Config) config.Config {
	r := bufio.NewReader(in)

	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out, "nearchat interactive setup")
	fmt.Fprintf(out, " Device folder : %s\n", peerDir)
	fmt.Fprintf(out, " Config file   : %s\n", cfgPath)
	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out)

	cfg.Profile.Label = askString(r, out, "Display name", cfg.Profile.Label)
	cfg.Profile.SOSText = askString(r, out, "SOS text", cfg.Profile.SOSText)
	cfg.Session.AutoConnect = askBool(r, out, "Connect to the first device found", cfg.Session.AutoConnect)
	cfg.P2P.ListenPort = askInt(r, out, "Listen port (0=random)", cfg.P2P.ListenPort)
	cfg.Bridge.HTTPAddr = askString(r, out, "UI bridge HTTP addr (-=off)", cfg.Bridge.HTTPAddr)
	if cfg.Bridge.HTTPAddr == "-" {
		cfg.Bridge.HTTPAddr = ""
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, out io.Writer, label, def string) string {
	fmt.Fprintf(out, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, out io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(out, "%s [%d]: ", label, def)
		s, _ := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		fmt.Fprintln(out, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, out io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(out, "%s [y/n] (default=%s): ", label, defStr)
		s, _ := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		default:
			fmt.Fprintln(out, "Please enter y or n.")
		}
	}
}
