package h2

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/kbirk/h2rpc/pkg/rpc"
	"github.com/kbirk/h2rpc/pkg/rpc/tcp"
	"github.com/kbirk/h2rpc/pkg/rpc/websocket"
)

// transportBenchmarkFactory creates client and server transports for benchmarking
type transportBenchmarkFactory interface {
	serverTransport() rpc.ServerTransport
	clientTransport(port int) rpc.ClientTransport
	name() string
}

type tcpBenchmarkFactory struct{}

func (f *tcpBenchmarkFactory) serverTransport() rpc.ServerTransport {
	return tcp.NewServerTransport(tcp.ServerTransportConfig{
		NoDelay: true,
	})
}

func (f *tcpBenchmarkFactory) clientTransport(port int) rpc.ClientTransport {
	return tcp.NewClientTransport(tcp.ClientTransportConfig{
		Host:    "127.0.0.1",
		Port:    port,
		NoDelay: true,
	})
}

func (f *tcpBenchmarkFactory) name() string {
	return "TCP"
}

type webSocketBenchmarkFactory struct{}

func (f *webSocketBenchmarkFactory) serverTransport() rpc.ServerTransport {
	return websocket.NewServerTransport(websocket.ServerTransportConfig{})
}

func (f *webSocketBenchmarkFactory) clientTransport(port int) rpc.ClientTransport {
	return websocket.NewClientTransport(websocket.ClientTransportConfig{
		Host: "127.0.0.1",
		Port: port,
	})
}

func (f *webSocketBenchmarkFactory) name() string {
	return "WebSocket"
}

var benchmarkFactories = []transportBenchmarkFactory{
	&tcpBenchmarkFactory{},
	&webSocketBenchmarkFactory{},
}

func setupBenchmark(b *testing.B, factory transportBenchmarkFactory) *rpc.Client {
	transport := factory.serverTransport()
	server := rpc.NewServer(rpc.ServerConfig{
		Transport: transport,
		Handler:   echoHandler,
	})
	if err := server.Listen(); err != nil {
		b.Fatalf("Listen failed: %v", err)
	}
	go server.Serve()
	b.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})

	client := rpc.NewClient(rpc.ClientConfig{
		Provider: NewProvider(ProviderConfig{
			Transport: factory.clientTransport(transport.Addr().(*net.TCPAddr).Port),
		}),
	})
	b.Cleanup(func() {
		client.Close()
	})

	if err := client.Connect(context.Background()); err != nil {
		b.Fatalf("Connect failed: %v", err)
	}
	return client
}

func BenchmarkExecute(b *testing.B) {
	payloads := map[string][]byte{
		"Small": []byte(`{"ok":true}`),
		"Large": append(append([]byte(`"`), bytes.Repeat([]byte("x"), 64*1024)...), '"'),
	}

	for _, factory := range benchmarkFactories {
		client := setupBenchmark(b, factory)

		for name, payload := range payloads {
			payload := payload
			b.Run(factory.name()+"/"+name, func(b *testing.B) {
				b.ReportAllocs()
				b.SetBytes(int64(len(payload)))
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					_, err := client.Execute(context.Background(), payload)
					if err != nil {
						b.Fatalf("Call failed: %v", err)
					}
				}
			})
		}
	}
}

func BenchmarkExecuteParallel(b *testing.B) {
	payload := []byte(`{"ok":true}`)

	for _, factory := range benchmarkFactories {
		client := setupBenchmark(b, factory)

		b.Run(factory.name(), func(b *testing.B) {
			b.ReportAllocs()
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					_, err := client.Execute(context.Background(), payload)
					if err != nil {
						b.Errorf("Call failed: %v", err)
						return
					}
				}
			})
		})
	}
}
