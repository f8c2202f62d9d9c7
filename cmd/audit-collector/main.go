// Command audit-collector is a CI-friendly WebSocket collector for aegis audit events.
//
// Point AEGIS_AUDIT_WS_URL at it (ws://127.0.0.1:9300/audit) to watch the event
// stream while exercising a running aegis. It validates:
//   - handshake + subprotocol selection (aegis.audit.v1)
//   - every frame decodes as an audit event with a type, time and outcome
//
// With -expect N it exits 0 once N events have arrived, or 1 on -timeout.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"aegis/cmd/internal/audit"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const maxReadBytes = 1 << 20 // 1MiB

type collector struct {
	only    map[string]bool
	verbose bool
	out     *json.Encoder

	seen atomic.Int64
	done chan struct{}
	want int64
}

func main() {
	var (
		addr    = flag.String("addr", "127.0.0.1:9300", "listen address")
		path    = flag.String("path", "/audit", "WebSocket path")
		types   = flag.String("types", "", "comma-separated event types to print (default: all)")
		expect  = flag.Int("expect", 0, "exit 0 after this many events (0: run until interrupted)")
		timeout = flag.Duration("timeout", 30*time.Second, "deadline for -expect")
		verbose = flag.Bool("v", false, "verbose connection logging")
	)
	flag.Parse()

	if !strings.HasPrefix(*path, "/") {
		fatalf("invalid -path: must start with /")
	}

	c := &collector{
		only:    parseTypes(*types),
		verbose: *verbose,
		out:     json.NewEncoder(os.Stdout),
		done:    make(chan struct{}),
		want:    int64(*expect),
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		fatalf("listen: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(*path, c.handle)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatalf("serve: %v", err)
		}
	}()
	fmt.Fprintf(os.Stderr, "collecting on ws://%s%s\n", ln.Addr(), *path)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var deadline <-chan time.Time
	if c.want > 0 {
		deadline = time.After(*timeout)
	}

	code := 0
	select {
	case <-ctx.Done():
	case <-c.done:
		fmt.Fprintf(os.Stderr, "OK: %d events\n", c.seen.Load())
	case <-deadline:
		fmt.Fprintf(os.Stderr, "FAIL: %d/%d events before timeout\n", c.seen.Load(), c.want)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	os.Exit(code)
}

func (c *collector) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{audit.WSSubprotocol},
	})
	if err != nil {
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if conn.Subprotocol() != audit.WSSubprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol "+audit.WSSubprotocol+" required")
		return
	}
	conn.SetReadLimit(maxReadBytes)
	if c.verbose {
		fmt.Fprintf(os.Stderr, "connected: %s\n", r.RemoteAddr)
	}

	for {
		var e audit.Event
		if err := wsjson.Read(r.Context(), conn, &e); err != nil {
			if c.verbose {
				fmt.Fprintf(os.Stderr, "disconnected: %s: %v\n", r.RemoteAddr, err)
			}
			return
		}
		if err := check(e); err != nil {
			_ = conn.Close(websocket.StatusUnsupportedData, err.Error())
			fatalf("malformed event: %v", err)
		}
		if len(c.only) > 0 && !c.only[e.Type] {
			continue
		}
		_ = c.out.Encode(e)
		if n := c.seen.Add(1); c.want > 0 && n == c.want {
			close(c.done)
		}
	}
}

func check(e audit.Event) error {
	switch {
	case strings.TrimSpace(e.Type) == "":
		return errors.New("missing type")
	case e.Time.IsZero():
		return errors.New("missing time")
	case e.Outcome == "":
		return errors.New("missing outcome")
	}
	return nil
}

func parseTypes(raw string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[t] = true
		}
	}
	return out
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
