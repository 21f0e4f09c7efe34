package proxy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"time"
)

// dialRetryInterval is how long ProxyFront waits between upstream dial
// attempts once the group is confirmed Running. Matches main.rs's
// tcp_listener, which retries the dial indefinitely on a 2-second timer
// rather than treating a slow-to-bind upstream as fatal.
const dialRetryInterval = 2 * time.Second

// ProxyFront is the TCP front: it accepts inbound connections, requires the
// container group to be running before proxying, dials the upstream with an
// indefinite retry, and pumps bytes bidirectionally while reporting
// activity back to the LifecycleManager. Grounded on main.rs's
// tcp_listener and, for the per-connection io.Copy pump, the teacher's
// server.go proxy functions (adapted down from HTTP/WebSocket framing to a
// raw byte pump, since this proxy has no HTTP awareness — spec.md Non-goal).
type ProxyFront struct {
	listenAddr   string
	upstreamAddr string
	manager      *LifecycleManager
}

// NewProxyFront builds a front listening on listenAddr and forwarding to
// upstreamAddr once manager reports the group running.
func NewProxyFront(listenAddr, upstreamAddr string, manager *LifecycleManager) *ProxyFront {
	return &ProxyFront{listenAddr: listenAddr, upstreamAddr: upstreamAddr, manager: manager}
}

// Run listens until ctx is cancelled, spawning one goroutine per accepted
// connection. It returns the listener setup error, if any; per-connection
// errors are logged, never returned.
func (f *ProxyFront) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", f.listenAddr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("accept failed", "error", err)
			continue
		}
		go f.handle(ctx, conn)
	}
}

// handle services a single inbound connection: wait for the group to be
// ready, dial the upstream, then pump bytes until either side closes.
func (f *ProxyFront) handle(ctx context.Context, conn net.Conn) {
	started := time.Now()
	defer conn.Close()

	if err := f.manager.Require(ctx); err != nil {
		slog.Warn("connection dropped waiting for group", "remote", conn.RemoteAddr(), "error", err)
		RecordConnection("rejected", time.Since(started))
		return
	}

	upstream, err := f.dialUpstream(ctx)
	if err != nil {
		slog.Warn("connection dropped, upstream unreachable", "remote", conn.RemoteAddr(), "error", err)
		RecordConnection("rejected", time.Since(started))
		return
	}
	defer upstream.Close()

	tracked := NewIOPoke(upstream, f.manager)

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(tracked, conn)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(conn, tracked)
		errc <- err
	}()

	select {
	case <-ctx.Done():
	case <-errc:
	}
	RecordConnection("proxied", time.Since(started))
}

// dialUpstream retries indefinitely on a fixed interval until it connects or
// ctx is cancelled, mirroring main.rs's retry-forever dial loop: a
// container reported Running by the poll cycle may not yet be accepting
// connections on its published port.
func (f *ProxyFront) dialUpstream(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", f.upstreamAddr)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Debug("upstream dial failed, retrying", "error", err)

		timer := time.NewTimer(dialRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
