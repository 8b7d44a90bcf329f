// Package config implements the CLI surface shared by both entry binaries:
// --listen/--via/--tls-via/--ca/--ca-key flag registration via cobra, and
// a HOST:PORT parser with bare-host/bare-port defaulting.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// HostPort is a resolved --listen/--via/--tls-via argument. Direct is true
// only for a --via/--tls-via value of the literal "direct", which disables
// the upstream SOCKS hop entirely; Host/Port are meaningless in that case.
type HostPort struct {
	Host   string
	Port   int
	Direct bool
}

func (h HostPort) String() string {
	if h.Direct {
		return "direct"
	}
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// Addr returns the "host:port" form suitable for net.Dial.
func (h HostPort) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// ParseHostPort parses a --listen/--via/--tls-via flag value. "direct" (any
// case) always returns a Direct HostPort regardless of defaults. Otherwise
// a bare port ("8080") is completed with defaultHost, and a bare host
// ("example.com") is completed with defaultPort. A defaultHost/defaultPort
// of "" / 0 means no default is configured; if the value needs one that is
// not configured, parsing fails.
func ParseHostPort(value, defaultHost string, defaultPort int) (HostPort, error) {
	if strings.EqualFold(value, "direct") {
		return HostPort{Direct: true}, nil
	}
	if value == "" {
		return HostPort{}, fmt.Errorf("config: address cannot be empty")
	}

	if host, portStr, ok := splitHostPort(value); ok {
		port, err := parsePort(portStr)
		if err != nil {
			return HostPort{}, err
		}
		if host == "" {
			if defaultHost == "" {
				return HostPort{}, fmt.Errorf("config: %q has no host and no default host is configured", value)
			}
			host = defaultHost
		}
		return HostPort{Host: host, Port: port}, nil
	}

	// No colon: either a bare port or a bare host.
	if port, err := strconv.Atoi(value); err == nil {
		if defaultHost == "" {
			return HostPort{}, fmt.Errorf("config: %q is a bare port but no default host is configured", value)
		}
		if err := validatePort(port); err != nil {
			return HostPort{}, err
		}
		return HostPort{Host: defaultHost, Port: port}, nil
	}
	if defaultPort == 0 {
		return HostPort{}, fmt.Errorf("config: %q is a bare host but no default port is configured", value)
	}
	return HostPort{Host: value, Port: defaultPort}, nil
}

// splitHostPort reports whether value contains a port-separating colon not
// belonging to a bracketed IPv6 literal, returning the parts either side.
func splitHostPort(value string) (host, port string, ok bool) {
	if strings.HasPrefix(value, "[") {
		idx := strings.Index(value, "]:")
		if idx < 0 {
			return "", "", false
		}
		return value[1:idx], value[idx+2:], true
	}
	idx := strings.LastIndexByte(value, ':')
	if idx < 0 {
		return "", "", false
	}
	return value[:idx], value[idx+1:], true
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid port %q: %w", s, err)
	}
	if err := validatePort(port); err != nil {
		return 0, err
	}
	return port, nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("config: port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// Socks holds the flags of the plain SOCKS5 interception binary.
type Socks struct {
	Listen HostPort
	Via    HostPort
}

// TLS holds the flags of the TLS-terminating interception binary.
type TLS struct {
	Listen HostPort
	Via    HostPort
	TLSVia HostPort
	CAPath string
	CAKey  string
}

// rawFlags is the subset of flags every binary registers in common.
type rawFlags struct {
	listen string
	via    string
}

func registerCommon(cmd *cobra.Command, f *rawFlags) {
	cmd.Flags().StringVar(&f.listen, "listen", "", "HOST:PORT to accept client connections on (required)")
	cmd.Flags().StringVar(&f.via, "via", "direct", `upstream route: "HOST:PORT" of a SOCKS5 proxy, or "direct"`)
	cmd.MarkFlagRequired("listen")
}

// NewSocksCommand builds the cobra root command for the plain SOCKS5
// interception binary: it parses --listen/--via and invokes run.
func NewSocksCommand(run func(Socks) error) *cobra.Command {
	var f rawFlags
	cmd := &cobra.Command{
		Use:   "socksintercept",
		Short: "SOCKS5 interception proxy: observes and optionally rewrites protocol traffic chained through it",
		RunE: func(cmd *cobra.Command, args []string) error {
			listen, err := ParseHostPort(f.listen, "", 0)
			if err != nil {
				return err
			}
			via, err := ParseHostPort(f.via, "", 0)
			if err != nil {
				return err
			}
			return run(Socks{Listen: listen, Via: via})
		},
	}
	registerCommon(cmd, &f)
	return cmd
}

// NewTLSCommand builds the cobra root command for the TLS-terminating
// interception binary: --listen/--via plus --tls-via/--ca/--ca-key.
func NewTLSCommand(run func(TLS) error) *cobra.Command {
	var f rawFlags
	var tlsVia, ca, caKey string
	cmd := &cobra.Command{
		Use:   "tlsstrip",
		Short: "TLS-terminating interception proxy: MITMs TLS with a forged leaf and feeds plaintext to the interception engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			listen, err := ParseHostPort(f.listen, "", 0)
			if err != nil {
				return err
			}
			via, err := ParseHostPort(f.via, "", 0)
			if err != nil {
				return err
			}
			tv, err := ParseHostPort(tlsVia, "", 0)
			if err != nil {
				return err
			}
			if ca == "" || caKey == "" {
				return fmt.Errorf("config: --ca and --ca-key are required")
			}
			return run(TLS{Listen: listen, Via: via, TLSVia: tv, CAPath: ca, CAKey: caKey})
		},
	}
	registerCommon(cmd, &f)
	cmd.Flags().StringVar(&tlsVia, "tls-via", "direct", `upstream route for TLS-bearing connections: "HOST:PORT" of a SOCKS5 proxy, or "direct"`)
	cmd.Flags().StringVar(&ca, "ca", "", "path to the CA certificate used to sign forged leaf certificates (required)")
	cmd.Flags().StringVar(&caKey, "ca-key", "", "path to the CA private key (required)")
	return cmd
}
