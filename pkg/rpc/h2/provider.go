package h2

import (
	"context"
	"fmt"
	"net/url"

	"golang.org/x/net/http2"

	"github.com/kbirk/h2rpc/pkg/rpc"
)

// Provider opens HTTP/2 sessions with prior knowledge over the raw
// connections of a client transport
type Provider struct {
	transport rpc.ClientTransport
	h2        *http2.Transport
	target    string
}

type ProviderConfig struct {
	Transport rpc.ClientTransport
	Authority string // :authority of every stream (default: localhost)
	Scheme    string // :scheme of every stream (default: http)
	Path      string // :path of every stream (default: /)
}

func NewProvider(config ProviderConfig) *Provider {
	u := url.URL{
		Scheme: config.Scheme,
		Host:   config.Authority,
		Path:   config.Path,
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	if u.Host == "" {
		u.Host = "localhost"
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return &Provider{
		transport: config.Transport,
		h2: &http2.Transport{
			AllowHTTP: true,
			// streams over the peer's concurrency limit wait for a slot
			// instead of making the session look unusable
			StrictMaxConcurrentStreams: true,
		},
		target: u.String(),
	}
}

func (p *Provider) Endpoint() string {
	return p.transport.Endpoint()
}

func (p *Provider) Open(ctx context.Context, handler rpc.EventHandler) (rpc.Conn, error) {
	raw, err := p.transport.Connect(ctx)
	if err != nil {
		return nil, err
	}

	tapped := newTappedConn(raw, handler)

	cc, err := p.h2.NewClientConn(tapped)
	if err != nil {
		tapped.Close()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	handler(rpc.Connected{})

	return &conn{
		cc:     cc,
		target: p.target,
	}, nil
}
