// Command tlsstrip is the TLS-terminating entry binary: it accepts a
// SOCKS5-directed connection, peeks the opening bytes for a ClientHello's
// SNI, and either mints a CA-signed leaf and terminates TLS (re-encrypting
// upstream with the real SNI) before handing the plaintext to the
// interception engine, or — if the connection does not carry a
// recognizable ClientHello — splices it through untouched.
package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
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
	"github.com/streamrelay/streamrelay/pkg/tlsmitm"

	"github.com/streamrelay/streamrelay/internal/procname"
	"github.com/streamrelay/streamrelay/internal/sigs"
)

func defaultFactories() []intercept.Factory {
	return []intercept.Factory{
		{Name: "http", New: httpintercept.New},
	}
}

func main() {
	procname.Set("streamrelay-tlsstrip")

	cmd := config.NewTLSCommand(run)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.TLS) error {
	logger := logging.ForConn("main")

	caCert, caKey, err := tlsmitm.LoadCA(cfg.CAPath, cfg.CAKey)
	if err != nil {
		return fmt.Errorf("tlsstrip: %w", err)
	}
	store := tlsmitm.NewCertStore(caCert, caKey)

	plainDialer, err := buildDialer(cfg.Via)
	if err != nil {
		return fmt.Errorf("tlsstrip: %w", err)
	}
	tlsDialer, err := buildDialer(cfg.TLSVia)
	if err != nil {
		return fmt.Errorf("tlsstrip: %w", err)
	}

	registry := pluginreg.New(logger, defaultFactories())
	go pluginreg.WatchReload(context.Background(), registry, func() []intercept.Factory {
		return defaultFactories()
	}, sigs.Reload())

	ln, err := net.Listen("tcp", cfg.Listen.Addr())
	if err != nil {
		return fmt.Errorf("tlsstrip: listening on %s: %w", cfg.Listen.Addr(), err)
	}
	logger.Info("listening", logging.String("addr", cfg.Listen.Addr()))

	go func() {
		<-sigs.Terminate()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		metrics.ConnectionsAccepted.WithLabelValues("tlsstrip").Inc()
		go handleConn(conn, plainDialer, tlsDialer, store, registry)
	}
}

func buildDialer(via config.HostPort) (*socks5.Dialer, error) {
	const dialTimeout = 10 * time.Second
	if via.Direct {
		return socks5.Direct(dialTimeout), nil
	}
	return socks5.Via(via.Addr(), dialTimeout)
}

func handleConn(client net.Conn, plainDialer, tlsDialer *socks5.Dialer, store *tlsmitm.CertStore, registry *pluginreg.Registry) {
	defer client.Close()

	id := uuid.NewString()
	logger := logging.ForConn(id)

	target, err := socks5.Handshake(client)
	if err != nil {
		logger.Debug("handshake failed", logging.Err(err))
		return
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The direct upstream is connected before the SOCKS reply so a dead
	// destination can be refused early, and kept around in case the peek
	// decides this is plain traffic.
	direct, err := plainDialer.Dial(dialCtx, fmt.Sprintf("%s:%d", target.Host, target.Port))
	if err != nil {
		logger.Warn("upstream connect failed", logging.String("target", target.Domain), logging.Err(err))
		target.ReplyFailure(client)
		return
	}

	if err := target.ReplySuccess(client); err != nil {
		direct.Close()
		return
	}

	hello := tlsmitm.Peek(client)
	if hello.Plain {
		// No recognizable ClientHello: fall through raw, replaying
		// whatever the peek consumed.
		defer direct.Close()
		logger.Debug("no SNI, assuming plain connection")
		toServer := io.MultiReader(bytes.NewReader(hello.Raw), client)
		if err := rawsplice.Splice(direct, client, toServer, direct); err != nil {
			logger.Debug("raw splice ended", logging.Err(err))
		}
		return
	}
	direct.Close()
	logger.Info("got SNI", logging.String("sni", hello.SNI))

	leaf, err := store.Get(hello.SNI)
	if err != nil {
		logger.Warn("minting leaf certificate failed", logging.String("sni", hello.SNI), logging.Err(err))
		return
	}
	defer leaf.Release()

	rawUpstream, err := tlsDialer.Dial(dialCtx, fmt.Sprintf("%s:%d", target.Host, target.Port))
	if err != nil {
		logger.Warn("upstream connect failed", logging.String("sni", hello.SNI), logging.Err(err))
		return
	}
	upstream := tls.Client(rawUpstream, &tls.Config{ServerName: hello.SNI})
	if err := upstream.HandshakeContext(dialCtx); err != nil {
		logger.Warn("upstream TLS handshake failed", logging.String("sni", hello.SNI), logging.Err(err))
		rawUpstream.Close()
		return
	}
	defer upstream.Close()

	serverConn := tlsmitm.Terminate(client, hello, leaf)
	if err := serverConn.HandshakeContext(dialCtx); err != nil {
		logger.Warn("client TLS handshake failed", logging.String("sni", hello.SNI), logging.Err(err))
		return
	}

	conn := intercept.NewConn(id, upstream, serverConn, registry, logger)
	if _, _, err := conn.Run(context.Background()); err != nil {
		// Aborted mid-stream: reset the raw TCP sides so the peers see RST
		// rather than an orderly TLS/FIN close.
		logger.Debug("interception aborted", logging.Err(err))
		rawsplice.Reset(client)
		rawsplice.Reset(rawUpstream)
		return
	}
	if conn.Quit() {
		return
	}

	if err := rawsplice.Splice(upstream, serverConn, conn.Serverbound(), conn.Clientbound()); err != nil {
		logger.Debug("raw splice ended", logging.Err(err))
	}
}
