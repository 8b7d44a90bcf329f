// Command socksintercept is the plain SOCKS5 entry binary: a client directs
// traffic to it (as a SOCKS5 proxy, or transparently via iptables redirect
// on Linux), it opens the upstream connection (direct or chained through
// another SOCKS5 proxy), races the registered interceptors over the two
// resulting byte streams, and hands settled connections off to raw
// splicing.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/streamrelay/streamrelay/pkg/config"
	"github.com/streamrelay/streamrelay/pkg/httpintercept"
	"github.com/streamrelay/streamrelay/pkg/intercept"
	"github.com/streamrelay/streamrelay/pkg/logging"
	"github.com/streamrelay/streamrelay/pkg/metrics"
	"github.com/streamrelay/streamrelay/pkg/pluginreg"
	"github.com/streamrelay/streamrelay/pkg/rawsplice"
	"github.com/streamrelay/streamrelay/pkg/socks5"

	"github.com/streamrelay/streamrelay/internal/procname"
	"github.com/streamrelay/streamrelay/internal/sigs"
)

// defaultFactories lists every compiled-in interceptor: the reference
// HTTP/1.x parser today, with room for more to race alongside it. This is
// the set pluginreg.Loader re-reads on every SIGHUP.
func defaultFactories() []intercept.Factory {
	return []intercept.Factory{
		{Name: "http", New: httpintercept.New},
	}
}

func main() {
	procname.Set("streamrelay-socksintercept")

	cmd := config.NewSocksCommand(run)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Socks) error {
	logger := logging.ForConn("main")

	dialer, err := buildDialer(cfg.Via)
	if err != nil {
		return fmt.Errorf("socksintercept: %w", err)
	}

	registry := pluginreg.New(logger, defaultFactories())
	go pluginreg.WatchReload(context.Background(), registry, func() []intercept.Factory {
		return defaultFactories()
	}, sigs.Reload())

	ln, err := net.Listen("tcp", cfg.Listen.Addr())
	if err != nil {
		return fmt.Errorf("socksintercept: listening on %s: %w", cfg.Listen.Addr(), err)
	}
	logger.Info("listening", logging.String("addr", cfg.Listen.Addr()), logging.String("via", cfg.Via.String()))

	go func() {
		<-sigs.Terminate()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		metrics.ConnectionsAccepted.WithLabelValues("socksintercept").Inc()
		go handleConn(conn, dialer, registry)
	}
}

func buildDialer(via config.HostPort) (*socks5.Dialer, error) {
	const dialTimeout = 10 * time.Second
	if via.Direct {
		return socks5.Direct(dialTimeout), nil
	}
	return socks5.Via(via.Addr(), dialTimeout)
}

func handleConn(client net.Conn, dialer *socks5.Dialer, registry *pluginreg.Registry) {
	defer client.Close()

	id := uuid.NewString()
	logger := logging.ForConn(id)

	target, err := socks5.Handshake(client)
	if err != nil {
		logger.Debug("handshake failed", logging.Err(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	upstream, err := dialer.Dial(ctx, fmt.Sprintf("%s:%d", target.Host, target.Port))
	cancel()
	if err != nil {
		logger.Warn("upstream connect failed", logging.String("target", target.Domain), logging.Err(err))
		target.ReplyFailure(client)
		return
	}
	defer upstream.Close()

	if err := target.ReplySuccess(client); err != nil {
		return
	}

	conn := intercept.NewConn(id, upstream, client, registry, logger)
	if _, _, err := conn.Run(context.Background()); err != nil {
		// Aborted mid-stream: reset both sides so the peers see RST, not a
		// clean FIN that could be mistaken for end of data.
		logger.Debug("interception aborted", logging.Err(err))
		rawsplice.Reset(client)
		rawsplice.Reset(upstream)
		return
	}
	if conn.Quit() {
		return
	}

	if err := rawsplice.Splice(upstream, client, conn.Serverbound(), conn.Clientbound()); err != nil {
		logger.Debug("raw splice ended", logging.Err(err))
	}
}
