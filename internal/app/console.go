package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/petervdpas/nearchat/internal/chat"
	"github.com/petervdpas/nearchat/internal/nearby"
	"github.com/petervdpas/nearchat/internal/state"
)

// consoleChat is what the console front end drives.
type consoleChat interface {
	SendMessage(text string) error
	SendSOS() error
	Session() nearby.Session
	Endpoints() []state.Endpoint
	Since(seq uint64) []chat.ChatMessage
	Subscribe() (<-chan chat.ChatMessage, func())
}

const consoleHelp = `commands:
  <text>   send a message to the connected device
  /sos     send the emergency text
  /peers   list nearby devices
  /help    show this help
  /quit    leave`

// lockedWriter lets the message printer and the command loop share out.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

// runConsole prints the log as it grows and treats every input line as a
// message or a command. It returns on /quit, end of input or ctx.
func runConsole(ctx context.Context, c consoleChat, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := &lockedWriter{w: out}
	w.printf("%s\n", consoleHelp)

	printerDone := make(chan struct{})
	printerCtx, stopPrinter := context.WithCancel(ctx)
	go func() {
		defer close(printerDone)
		printLog(printerCtx, c, w)
	}()
	defer func() {
		stopPrinter()
		<-printerDone
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(c, w, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func handleLine(c consoleChat, w *lockedWriter, line string) (quit bool) {
	switch line {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/help":
		w.printf("%s\n", consoleHelp)
	case "/sos":
		// Failures show up in the log as notices.
		_ = c.SendSOS()
	case "/peers":
		printPeers(c, w)
	default:
		if strings.HasPrefix(line, "/") {
			w.printf("unknown command %s (try /help)\n", line)
			return false
		}
		_ = c.SendMessage(line)
	}
	return false
}

func printPeers(c consoleChat, w *lockedWriter) {
	s := c.Session()
	eps := c.Endpoints()
	w.printf("mode: %s\n", s.Mode)
	if len(eps) == 0 {
		w.printf("no devices nearby\n")
		return
	}
	for _, ep := range eps {
		mark := " "
		if ep.ID == s.ActiveEndpointID {
			mark = "*"
		}
		w.printf("%s %-20s %-22s %s\n", mark, ep.DisplayName, ep.State, ep.ID)
	}
}

// printLog writes the existing log and then every append.
func printLog(ctx context.Context, c consoleChat, w *lockedWriter) {
	ch, unsub := c.Subscribe()
	defer unsub()

	var last uint64
	for _, m := range c.Since(0) {
		w.printf("%s\n", formatMessage(m))
		last = m.Sequence
	}
	show := func(m chat.ChatMessage) {
		if m.Sequence <= last {
			return
		}
		last = m.Sequence
		w.printf("%s\n", formatMessage(m))
	}
	for {
		select {
		case <-ctx.Done():
			// Flush what was appended before we were stopped.
			for {
				select {
				case m, ok := <-ch:
					if !ok {
						return
					}
					show(m)
				default:
					return
				}
			}
		case m, ok := <-ch:
			if !ok {
				return
			}
			show(m)
		}
	}
}

func formatMessage(m chat.ChatMessage) string {
	mark := "<"
	switch {
	case m.Kind == chat.System:
		mark = "*"
	case m.Direction == chat.Outgoing:
		mark = ">"
	}
	return fmt.Sprintf("[%s] #%d %s %s", m.Time().Format("15:04:05"), m.Sequence, mark, m.Text)
}
