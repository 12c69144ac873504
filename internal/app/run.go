package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/petervdpas/nearchat/internal/bridge"
	"github.com/petervdpas/nearchat/internal/chat"
	"github.com/petervdpas/nearchat/internal/config"
	"github.com/petervdpas/nearchat/internal/nearby"
	"github.com/petervdpas/nearchat/internal/p2p"
	"github.com/petervdpas/nearchat/internal/util"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("app")

// subsystems whose level follows log.level. libp2p's own loggers keep the
// levels set by the p2p package.
var subsystems = []string{"app", "bridge", "chat", "config", "nearby", "p2p", "transport"}

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Console input and output; stdin/stdout when nil.
	In  io.Reader
	Out io.Writer
}

// Run brings one device up on the libp2p transport and drives it from the
// console until ctx is done or the user quits.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	setLogLevel(cfg.Log.Level)
	logBanner(opt.PeerDir, opt.CfgPath)

	if opt.In == nil {
		opt.In = os.Stdin
	}
	if opt.Out == nil {
		opt.Out = os.Stdout
	}

	node, err := p2p.New(p2p.Options{
		ListenPort:  cfg.P2P.ListenPort,
		KeyFile:     util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile),
		LostAfter:   cfg.Session.LostAfter(),
		SendTimeout: cfg.Session.SendTimeout(),
		SendRetries: cfg.Session.SendRetries,
		MaxPayload:  cfg.Session.MaxPayloadBytes,
	})
	if err != nil {
		return fmt.Errorf("p2p node: %w", err)
	}

	mgr := nearby.New(node, nearby.Options{
		ServiceID:      cfg.P2P.ServiceID,
		DisplayName:    cfg.Profile.Label,
		AutoConnect:    cfg.Session.AutoConnect,
		ConnectTimeout: cfg.Session.ConnectTimeout(),
	})
	defer func() { _ = mgr.Close() }()

	ctl := chat.NewController(mgr, cfg.Profile.SOSText)
	if err := ctl.Start(ctx); err != nil {
		return err
	}
	defer ctl.Stop()
	log.Infof("advertising as %q on %s (endpoint %s)", cfg.Profile.Label, cfg.P2P.ServiceID, node.LocalID())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if addr := strings.TrimSpace(cfg.Bridge.HTTPAddr); addr != "" {
		listen, url := NormalizeLocalBridge(addr)
		srv := bridge.New(ctl, bridge.Options{Diag: node.DiagSnapshot})
		go func() {
			if err := srv.ListenAndServe(ctx, listen); err != nil {
				log.Errorf("ui bridge: %v", err)
			}
		}()
		fmt.Fprintf(opt.Out, "UI bridge: %s/api/messages\n", url)
	}

	if opt.CfgPath != "" {
		go func() {
			if err := config.Watch(ctx, opt.CfgPath, reloader(cfg, mgr, ctl)); err != nil {
				log.Warnf("config watch disabled: %v", err)
			}
		}()
	}

	return runConsole(ctx, ctl, opt.In, opt.Out)
}

type renamer interface {
	SetDisplayName(name string) error
}

type sosSetter interface {
	SetSOSText(text string)
}

// reloader applies the settings that can change while running. Everything
// else needs a restart.
func reloader(cur config.Config, mgr renamer, ctl sosSetter) func(config.Config) {
	return func(next config.Config) {
		if next.Profile.Label != cur.Profile.Label {
			if err := mgr.SetDisplayName(next.Profile.Label); err != nil {
				log.Warnf("rename to %q: %v", next.Profile.Label, err)
			} else {
				log.Infof("now advertising as %q", next.Profile.Label)
			}
		}
		if next.Profile.SOSText != cur.Profile.SOSText {
			ctl.SetSOSText(next.Profile.SOSText)
		}
		if next.Log.Level != cur.Log.Level {
			setLogLevel(next.Log.Level)
		}
		if next.P2P != cur.P2P || next.Session != cur.Session || next.Bridge != cur.Bridge {
			log.Warn("p2p, session and bridge changes apply after a restart")
		}
		cur = next
	}
}

func setLogLevel(level string) {
	if level == "" {
		return
	}
	for _, s := range subsystems {
		if err := logging.SetLogLevel(s, level); err != nil {
			log.Warnf("log level %q for %s: %v", level, s, err)
		}
	}
}
