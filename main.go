// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/petervdpas/nearchat/internal/app"
	"github.com/petervdpas/nearchat/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	// Show version
	if *version {
		fmt.Printf("nearchat v%s\n", appVersion)
		return
	}

	// Show help
	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	// Parse command
	command := args[0]

	switch command {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: nearchat peer <device-directory>")
			os.Exit(1)
		}
		runCLIPeer(args[1])

	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: nearchat init <device-directory>")
			os.Exit(1)
		}
		runCLIInit(args[1])

	case "demo":
		ctx, cancel := signalContext()
		defer cancel()
		if err := app.RunDemo(ctx, os.Stdout, 30*time.Second); err != nil {
			log.Fatalf("Demo failed: %v", err)
		}

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func deviceDir(arg string, create bool) string {
	// Resolve absolute path
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid device directory: %v", err)
	}
	if create {
		if err := os.MkdirAll(absDir, 0o755); err != nil {
			log.Fatalf("Create device directory: %v", err)
		}
	}

	// Verify directory exists
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Device directory does not exist: %s", absDir)
	}
	return absDir
}

func runCLIPeer(dirArg string) {
	absDir := deviceDir(dirArg, false)

	// Load config, writing defaults on first run
	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Wrote default config to %s\n", cfgPath)
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Device failed: %v", err)
	}
}

func runCLIInit(dirArg string) {
	absDir := deviceDir(dirArg, true)
	cfgPath := filepath.Join(absDir, config.FileName)
	// Environment overrides are for running; keep them out of the file.
	cfg, _, err := config.EnsureFile(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func showUsage() {
	fmt.Println("nearchat - offline chat with devices nearby")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  nearchat peer <directory>  Run a device from a directory")
	fmt.Println("  nearchat init <directory>  Create or edit a device's config interactively")
	fmt.Println("  nearchat demo              Run the SOS scenario between two simulated devices")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Advertise, discover and chat with the first device in range")
	fmt.Printf("        The directory holds %s and the device identity\n", config.FileName)
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Printf("  %s_LABEL, %s_SOS_TEXT, %s_LOG_LEVEL, ... override %s\n",
		config.EnvPrefix, config.EnvPrefix, config.EnvPrefix, config.FileName)
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  nearchat init ./devices/hiker")
	fmt.Println("  nearchat peer ./devices/hiker")
}

func printPeerBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                       nearchat                         ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Device Directory: %s\n", dir)
	fmt.Printf("Config File:      %s\n", cfgPath)
	fmt.Printf("Display Name:     %s\n", cfg.Profile.Label)
	fmt.Printf("Service:          %s\n", cfg.P2P.ServiceID)
	fmt.Println()
	fmt.Println("Starting device... (Press Ctrl+C or type /quit to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
