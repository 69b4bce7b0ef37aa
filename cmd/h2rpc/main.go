package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/kbirk/h2rpc/pkg/log"
	"github.com/kbirk/h2rpc/pkg/rpc"
)

const (
	version = "0.0.1"
)

var (
	red    = color.New(color.FgRed, color.Bold).SprintFunc()
	green  = color.New(color.FgGreen, color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow, color.Bold).SprintFunc()
	cyan   = color.New(color.FgCyan, color.Bold).SprintFunc()
	white  = color.New(color.FgWhite, color.Bold).SprintFunc()
)

func usage() {
	os.Stderr.WriteString(fmt.Sprintf("h2rpc %s\n\n", version))
	os.Stderr.WriteString("Usage:\n")
	os.Stderr.WriteString("    h2rpc serve [--config=<file>]\n")
	os.Stderr.WriteString("    h2rpc call [--config=<file>] [--meta=<key=value>]... <json>\n")
}

func fail(format string, args ...any) {
	os.Stderr.WriteString(red("ERROR: ") + fmt.Sprintf(format, args...) + "\n")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "call":
		os.Exit(call(os.Args[2:]))
	case "version":
		os.Stdout.WriteString(version + "\n")
	default:
		usage()
		os.Exit(1)
	}
}

func newLogger(cfg config) log.Logger {
	level, err := cfg.level()
	if err != nil {
		fail("Invalid log level %q: %v", cfg.LogLevel, err)
	}
	// package default hides trace
	zerolog.SetGlobalLevel(level)

	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	return log.NewZerolog(zerolog.New(output).With().Timestamp().Str("app", "h2rpc").Logger().Level(level))
}

func serve(args []string) {
	var configPath string

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "TOML config file")
	fs.Parse(args)

	cfg, err := loadConfig(configPath)
	if err != nil {
		fail("Failed to load config: %v", err)
	}
	logger := newLogger(cfg)

	server := rpc.NewServer(rpc.ServerConfig{
		Transport: cfg.serverTransport(),
		Handler:   echo,
		Logger:    logger,
	})

	err = server.Listen()
	if err != nil {
		fail("Failed to listen: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		err := server.Serve()
		if err != nil {
			logger.Error("Serve failed: " + err.Error())
			stop()
		}
	}()

	os.Stdout.WriteString(green("LISTENING: ") + fmt.Sprintf("%s %s\n", cyan("["+cfg.Transport+"]"), white(server.Addr().String())))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	err = server.Shutdown(shutdownCtx)
	if err != nil {
		fail("Failed to shut down: %v", err)
	}
	os.Stdout.WriteString(green("STOPPED\n"))
}

// echo answers every request with its own body
func echo(err error, body []byte, stream *rpc.Stream) {
	if err != nil {
		return
	}
	stream.Write(body)
	stream.End()
}

type metadataFlag map[string]string

func (m metadataFlag) String() string {
	pairs := make([]string, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

func (m metadataFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	m[strings.TrimSpace(k)] = v
	return nil
}

// call runs one request and returns the process exit code, so the client is
// shut down before exiting
func call(args []string) int {
	var configPath string
	var timeout time.Duration
	meta := metadataFlag{}

	fs := flag.NewFlagSet("call", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "TOML config file")
	fs.DurationVar(&timeout, "timeout", 30*time.Second, "Deadline of the call")
	fs.Var(meta, "meta", "Request metadata as key=value, may be repeated")
	fs.Parse(args)

	if fs.NArg() != 1 {
		os.Stderr.WriteString("No request body provided, Pass the JSON body as the only argument\n")
		return 1
	}
	body := fs.Arg(0)

	cfg, err := loadConfig(configPath)
	if err != nil {
		fail("Failed to load config: %v", err)
	}
	logger := newLogger(cfg)

	client := rpc.NewClient(rpc.ClientConfig{
		Provider:          cfg.provider(),
		KeepaliveInterval: cfg.KeepaliveInterval,
		PingTimeout:       cfg.PingTimeout,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		MaxPingFailures:   cfg.MaxPingFailures,
		Logger:            logger,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if len(meta) > 0 {
		ctx = rpc.NewContextWithMetadata(ctx, meta)
	}

	res, err := client.Execute(ctx, []byte(body))
	code := printOutcome(os.Stdout, os.Stderr, res, err)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	err = client.Shutdown(shutdownCtx)
	if err != nil && !errors.Is(err, rpc.ErrInvalidSession) {
		logger.Warn("Shutdown failed: " + err.Error())
	}
	return code
}

// printOutcome reports the call result and returns the exit code: 0 on
// success, 2 when the server answered with an error and 1 when no answer
// arrived
func printOutcome(stdout, stderr io.Writer, res *rpc.Result, err error) int {
	var appErr *rpc.ApplicationError
	var parseErr *rpc.ParseError
	var statusErr *rpc.StatusError

	switch {
	case err == nil:
		kind := "text"
		if res.JSON {
			kind = "json"
		}
		fmt.Fprintf(stdout, "%s%s %s\n", green("SUCCESS: "), cyan(fmt.Sprintf("[%d %s]", res.Status, kind)), res.Body)
		return 0
	case errors.As(err, &appErr):
		fmt.Fprintf(stdout, "%s%s %s\n", yellow("APPLICATION ERROR: "), cyan(fmt.Sprintf("[%d]", appErr.Status)), appErr.Body)
		return 2
	case errors.As(err, &parseErr):
		fmt.Fprintf(stdout, "%s%s %s\n", yellow("UNPARSEABLE ERROR: "), cyan(fmt.Sprintf("[%d]", parseErr.Status)), parseErr.Body)
		return 2
	case errors.As(err, &statusErr):
		fmt.Fprintf(stdout, "%s%s\n", yellow("STATUS ERROR: "), cyan(fmt.Sprintf("[%d]", statusErr.Code)))
		return 2
	default:
		fmt.Fprintf(stderr, "%sRequest failed: %v\n", red("ERROR: "), err)
		return 1
	}
}
