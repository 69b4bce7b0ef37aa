package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
	"github.com/rs/zerolog"

	"github.com/kbirk/h2rpc/pkg/rpc"
	"github.com/kbirk/h2rpc/pkg/rpc/h2"
	"github.com/kbirk/h2rpc/pkg/rpc/tcp"
	"github.com/kbirk/h2rpc/pkg/rpc/unix"
	"github.com/kbirk/h2rpc/pkg/rpc/websocket"
)

const (
	transportTCP       = "tcp"
	transportTLS       = "tls"
	transportUnix      = "unix"
	transportWebSocket = "websocket"
)

// config is shared by both subcommands. Environment variables provide the
// defaults, a TOML file overrides whatever it defines.
type config struct {
	Transport         string        `env:"H2RPC_TRANSPORT,default=tcp"`
	Host              string        `env:"H2RPC_HOST,default=127.0.0.1"`
	Port              int           `env:"H2RPC_PORT,default=8080"`
	SocketPath        string        `env:"H2RPC_SOCKET_PATH,default=/tmp/h2rpc.sock"`
	Path              string        `env:"H2RPC_WS_PATH,default=/h2"`
	Authority         string        `env:"H2RPC_AUTHORITY,default=localhost"`
	CertFile          string        `env:"H2RPC_CERT_FILE"`
	KeyFile           string        `env:"H2RPC_KEY_FILE"`
	CAFile            string        `env:"H2RPC_CA_FILE"`
	Insecure          bool          `env:"H2RPC_INSECURE,default=false"`
	KeepaliveInterval time.Duration `env:"H2RPC_KEEPALIVE_INTERVAL,default=60s"`
	PingTimeout       time.Duration `env:"H2RPC_PING_TIMEOUT,default=10s"`
	ShutdownTimeout   time.Duration `env:"H2RPC_SHUTDOWN_TIMEOUT,default=30s"`
	MaxPingFailures   int           `env:"H2RPC_MAX_PING_FAILURES,default=0"`
	LogLevel          string        `env:"H2RPC_LOG_LEVEL,default=info"`
}

type fileConfig struct {
	Transport         string `toml:"transport"`
	Host              string `toml:"host"`
	Port              int    `toml:"port"`
	SocketPath        string `toml:"socket_path"`
	Path              string `toml:"path"`
	Authority         string `toml:"authority"`
	CertFile          string `toml:"cert_file"`
	KeyFile           string `toml:"key_file"`
	CAFile            string `toml:"ca_file"`
	Insecure          bool   `toml:"insecure"`
	KeepaliveInterval string `toml:"keepalive_interval"`
	PingTimeout       string `toml:"ping_timeout"`
	ShutdownTimeout   string `toml:"shutdown_timeout"`
	MaxPingFailures   int    `toml:"max_ping_failures"`
	LogLevel          string `toml:"log_level"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	err := envdecode.Decode(&cfg)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return config{}, fmt.Errorf("load environment: %w", err)
	}

	if path != "" {
		err = applyConfigFile(&cfg, path)
		if err != nil {
			return config{}, err
		}
	}

	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	switch cfg.Transport {
	case transportTCP, transportTLS, transportUnix, transportWebSocket:
	default:
		return config{}, fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	return cfg, nil
}

func applyConfigFile(cfg *config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config file: %w", err)
	}

	if meta.IsDefined("transport") {
		cfg.Transport = raw.Transport
	}
	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("socket_path") {
		cfg.SocketPath = strings.TrimSpace(raw.SocketPath)
	}
	if meta.IsDefined("path") {
		cfg.Path = strings.TrimSpace(raw.Path)
	}
	if meta.IsDefined("authority") {
		cfg.Authority = strings.TrimSpace(raw.Authority)
	}
	if meta.IsDefined("cert_file") {
		cfg.CertFile = raw.CertFile
	}
	if meta.IsDefined("key_file") {
		cfg.KeyFile = raw.KeyFile
	}
	if meta.IsDefined("ca_file") {
		cfg.CAFile = raw.CAFile
	}
	if meta.IsDefined("insecure") {
		cfg.Insecure = raw.Insecure
	}
	if meta.IsDefined("max_ping_failures") {
		cfg.MaxPingFailures = raw.MaxPingFailures
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = raw.LogLevel
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"keepalive_interval", raw.KeepaliveInterval, &cfg.KeepaliveInterval},
		{"ping_timeout", raw.PingTimeout, &cfg.PingTimeout},
		{"shutdown_timeout", raw.ShutdownTimeout, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	return nil
}

func (c config) level() (zerolog.Level, error) {
	return zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
}

func (c config) serverTransport() rpc.ServerTransport {
	switch c.Transport {
	case transportTLS:
		return tcp.NewServerTransportTLS(tcp.ServerTransportTLSConfig{
			Port:     c.Port,
			NoDelay:  true,
			CertFile: c.CertFile,
			KeyFile:  c.KeyFile,
		})
	case transportUnix:
		return unix.NewServerTransport(unix.ServerTransportConfig{
			SocketPath: c.SocketPath,
		})
	case transportWebSocket:
		return websocket.NewServerTransport(websocket.ServerTransportConfig{
			Port:     c.Port,
			Path:     c.Path,
			CertFile: c.CertFile,
			KeyFile:  c.KeyFile,
		})
	default:
		return tcp.NewServerTransport(tcp.ServerTransportConfig{
			Port:    c.Port,
			NoDelay: true,
		})
	}
}

func (c config) clientTransport() rpc.ClientTransport {
	switch c.Transport {
	case transportTLS:
		return tcp.NewClientTransportTLS(tcp.ClientTransportTLSConfig{
			Host:               c.Host,
			Port:               c.Port,
			NoDelay:            true,
			InsecureSkipVerify: c.Insecure,
			CAFile:             c.CAFile,
		})
	case transportUnix:
		return unix.NewClientTransport(unix.ClientTransportConfig{
			SocketPath: c.SocketPath,
		})
	case transportWebSocket:
		return websocket.NewClientTransport(websocket.ClientTransportConfig{
			Host: c.Host,
			Port: c.Port,
			Path: c.Path,
		})
	default:
		return tcp.NewClientTransport(tcp.ClientTransportConfig{
			Host:    c.Host,
			Port:    c.Port,
			NoDelay: true,
		})
	}
}

func (c config) provider() *h2.Provider {
	scheme := "http"
	if c.Transport == transportTLS {
		scheme = "https"
	}
	return h2.NewProvider(h2.ProviderConfig{
		Transport: c.clientTransport(),
		Authority: c.Authority,
		Scheme:    scheme,
	})
}
