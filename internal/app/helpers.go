// internal/app/helpers.go
package app

import (
	"strings"
)

// NormalizeLocalBridge keeps the UI bridge on loopback and returns the
// listen addr and the URL to show.
func NormalizeLocalBridge(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	listenAddr = a
	url = "http://" + a
	return
}

func logBanner(peerDir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Info("nearchat device scope")
	log.Infof(" Device folder : %s", peerDir)
	log.Infof(" Config file   : %s", cfgPath)
	log.Info("")
	log.Info(" This process is ONE device.")
	log.Info(" Its folder holds its identity and config.")
	log.Info("────────────────────────────────────────")
}
