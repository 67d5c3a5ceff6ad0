package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatlink/internal/adapter/wstransport"
	"chatlink/internal/chatserver"
	"chatlink/internal/domain"
	"chatlink/internal/infra/config"
	"chatlink/internal/infra/logger"
	"chatlink/internal/infra/tracer"
	"chatlink/internal/session"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "serve: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'chatlink --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`chatlink - Persistent chat connection client

USAGE:
    chatlink [COMMAND] [FLAGS]

COMMANDS:
    serve       Run a local development chat server
    encrypt     Encrypt a secret for use in config.yaml
                (reads CHATLINK_CONFIG_KEY and the plaintext argument)

    (no command) - Connect to the configured endpoint and print
                   incoming messages until interrupted

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)
    --endpoint URL     Override the chat endpoint (ws:// or wss://)
    --token TOKEN      Override the auth token (connects authenticated)
    --listen ADDR      Listen address for 'serve' (default: 127.0.0.1:8765)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: CHATLINK_* variables override config

EXAMPLES:
    chatlink serve                       # Local dev server
    chatlink --endpoint ws://127.0.0.1:8765/chat
    chatlink --config /etc/chatlink.yaml --token $TOKEN`)
}

// cliFlags holds optional flags that override the config file.
type cliFlags struct {
	ConfigPath string
	Endpoint   string
	Token      string
	Listen     string
}

// parseFlags extracts --config, --endpoint, --token, --listen from os.Args.
func parseFlags() cliFlags {
	flags := cliFlags{ConfigPath: "./config.yaml", Listen: "127.0.0.1:8765"}
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			flags.ConfigPath = os.Args[i+1]
			i++
		case strings.HasPrefix(os.Args[i], "--config="):
			flags.ConfigPath = strings.TrimPrefix(os.Args[i], "--config=")
		case os.Args[i] == "--endpoint" && i+1 < len(os.Args):
			flags.Endpoint = os.Args[i+1]
			i++
		case strings.HasPrefix(os.Args[i], "--endpoint="):
			flags.Endpoint = strings.TrimPrefix(os.Args[i], "--endpoint=")
		case os.Args[i] == "--token" && i+1 < len(os.Args):
			flags.Token = os.Args[i+1]
			i++
		case strings.HasPrefix(os.Args[i], "--token="):
			flags.Token = strings.TrimPrefix(os.Args[i], "--token=")
		case os.Args[i] == "--listen" && i+1 < len(os.Args):
			flags.Listen = os.Args[i+1]
			i++
		case strings.HasPrefix(os.Args[i], "--listen="):
			flags.Listen = strings.TrimPrefix(os.Args[i], "--listen=")
		}
	}
	return flags
}

func loadConfig(flags cliFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	if flags.Endpoint != "" {
		cfg.EndpointURL = flags.Endpoint
	}
	if flags.Token != "" {
		cfg.AuthToken = flags.Token
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// printListener logs every delivered event and acknowledges it.
type printListener struct {
	logger *slog.Logger
}

func (l *printListener) OnIncomingMessage(ev domain.IncomingEvent) {
	l.logger.Info("incoming message",
		"server_timestamp", ev.ServerTimestamp,
		"payload_bytes", len(ev.Payload))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ev.Ack.Ack(ctx); err != nil {
		l.logger.Warn("ack failed", "error", err)
	}
}

func (l *printListener) OnQueueEmpty() {
	l.logger.Info("server queue drained")
}

func (l *printListener) Release() {
	l.logger.Debug("listener released")
}

func run() error {
	flags := parseFlags()

	cfg, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	dialer := wstransport.NewDialer(log, cfg.Session.DialTimeout)
	sess := session.New(session.Deps{
		Dialer: dialer,
		Logger: log,
		Config: session.Config{
			EndpointURL:    cfg.Endpoint(),
			UserAgent:      cfg.UserAgent,
			AuthToken:      cfg.AuthToken,
			RequestTimeout: cfg.Session.RequestTimeout,
			ExpireInterval: cfg.Session.ExpireInterval,
			Reconnect:      cfg.Reconnect,
		},
	})

	if cfg.Proxy.Enabled() {
		if err := sess.SetProxy(cfg.Proxy.Host, cfg.Proxy.Port); err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
	}

	sess.SetListener(&printListener{logger: log})

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Session.DialTimeout)
	defer cancel()
	if cfg.AuthToken != "" {
		err = sess.ConnectAuthenticated(connectCtx)
	} else {
		err = sess.ConnectUnauthenticated(connectCtx)
	}
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	info := sess.DebugInfo()
	log.Info("connected",
		"endpoint", cfg.Endpoint(),
		"connection", info.ConnectionInfo,
		"dial_seconds", info.LastConnectSeconds)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return sess.Disconnect(shutdownCtx)
}

func runServe() error {
	flags := parseFlags()

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	srv := chatserver.New(flags.Listen, flags.Token, log)
	srv.Register("GET", "/v1/ping", func(_ context.Context, _ domain.Request) (*domain.Response, error) {
		return &domain.Response{Status: http.StatusOK, Message: "OK", Body: []byte("pong")}, nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Push a greeting every few seconds so connected clients have traffic
	// to observe during development.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				srv.PushEvent([]byte("hello from chatlink serve"), uint64(t.UnixMilli()))
				srv.PushQueueEmpty()
			}
		}
	}()

	return srv.Start(ctx)
}

func runEncrypt() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: chatlink encrypt <plaintext>")
	}
	passphrase := os.Getenv("CHATLINK_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("CHATLINK_CONFIG_KEY must be set")
	}
	out, err := config.EncryptValue(os.Args[2], passphrase)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
