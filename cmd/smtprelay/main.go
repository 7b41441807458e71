// Package main is the entry point for the smtprelay daemon.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SilvioTormen/smtprelay-sub001/internal/access"
	"github.com/SilvioTormen/smtprelay-sub001/internal/api"
	"github.com/SilvioTormen/smtprelay-sub001/internal/auth"
	"github.com/SilvioTormen/smtprelay-sub001/internal/config"
	"github.com/SilvioTormen/smtprelay-sub001/internal/delivery"
	"github.com/SilvioTormen/smtprelay-sub001/internal/kv"
	"github.com/SilvioTormen/smtprelay-sub001/internal/queue"
	"github.com/SilvioTormen/smtprelay-sub001/internal/smtp"
	relaytls "github.com/SilvioTormen/smtprelay-sub001/internal/tls"
	"github.com/SilvioTormen/smtprelay-sub001/internal/token"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	tlsConfig, err := relaytls.LoadOrGenerate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.Hostname)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctl, err := access.New(access.Config{
		StorePath:     cfg.Access.StorePath,
		AuditPath:     cfg.Access.AuditPath,
		AuditMaxBytes: cfg.Access.AuditMaxBytes,
		AuditKeep:     cfg.Access.AuditKeep,
	})
	if err != nil {
		slog.Error("failed to open IP rule store", "error", err)
		os.Exit(1)
	}

	store := openKV(ctx, cfg)
	handler := auth.New(ctl, credentials(cfg), store, cfg.Access.AuthLogPath)

	tokens := openTokenManager(cfg)
	if tokens != nil {
		go tokens.Run(ctx)
	}

	transport := buildTransport(ctx, cfg, cfg.Delivery.Transport, tokens)

	q, err := queue.New(queue.Config{
		Dir:          cfg.Queue.Dir,
		BaseDelay:    cfg.Queue.BaseDelay.Std(),
		MaxDelay:     cfg.Queue.MaxDelay.Std(),
		MaxAttempts:  cfg.Queue.MaxAttempts,
		PollInterval: cfg.Queue.PollInterval.Std(),
	}, transport)
	if err != nil {
		slog.Error("failed to open spool", "error", err)
		os.Exit(1)
	}
	q.Start()

	server := smtp.New(smtp.ServerConfig{
		Hostname:       cfg.Hostname,
		Listeners:      listeners(cfg),
		RelayDomains:   cfg.RelayDomains,
		MaxMessageSize: cfg.MaxMessageSize,
		Auth:           handler,
		Queue:          q,
		TLS:            tlsConfig,
	})

	apiSrv := api.NewServer(api.Config{
		Listen:         cfg.API.Listen,
		AllowedOrigins: cfg.API.AllowedOrigins,
	}, ctl, q, tokens)

	go func() {
		if err := apiSrv.ListenAndServe(ctx); err != nil {
			slog.Error("management API error", "error", err)
		}
	}()

	slog.Info("starting smtprelay",
		"hostname", cfg.Hostname,
		"listeners", len(cfg.Listeners),
		"transport", transport.Name(),
		"api", cfg.API.Listen,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Blocks until the context is cancelled; listeners close first, then
	// in-flight sessions drain.
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := q.Stop(stopCtx); err != nil {
		slog.Error("spool did not stop cleanly", "error", err)
	}

	slog.Info("smtprelay stopped")
}

// loadConfig loads configuration from the specified path (YAML + env
// override) or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// openKV selects the counter backend: Redis when configured, otherwise the
// in-process store. Auto-block state is then per-instance only.
func openKV(ctx context.Context, cfg *config.Config) kv.Store {
	if cfg.Redis.Addr == "" {
		return kv.NewMemory()
	}
	store, err := kv.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
	if err != nil {
		slog.Error("redis unavailable, falling back to in-process counters",
			"addr", cfg.Redis.Addr,
			"error", err,
		)
		return kv.NewMemory()
	}
	slog.Info("using redis counter backend", "addr", cfg.Redis.Addr)
	return store
}

func credentials(cfg *config.Config) []auth.Credential {
	creds := make([]auth.Credential, 0, len(cfg.Credentials))
	for _, c := range cfg.Credentials {
		creds = append(creds, auth.Credential{
			Username:     c.Username,
			Password:     c.Password,
			AllowedCIDRs: c.AllowedCIDRs,
		})
	}
	return creds
}

func listeners(cfg *config.Config) []smtp.ListenerConfig {
	out := make([]smtp.ListenerConfig, 0, len(cfg.Listeners))
	for _, lc := range cfg.Listeners {
		mode := smtp.TLSNone
		switch lc.TLSMode {
		case "starttls":
			mode = smtp.TLSStartTLS
		case "implicit":
			mode = smtp.TLSImplicit
		}
		authMode := smtp.AuthRequired
		switch lc.Auth {
		case "optional":
			authMode = smtp.AuthOptional
		case "disabled":
			authMode = smtp.AuthDisabled
		}
		out = append(out, smtp.ListenerConfig{
			ID:         lc.ID,
			Listen:     lc.Listen,
			TLSMode:    mode,
			Auth:       authMode,
			Mechanisms: lc.Mechanisms,
		})
	}
	return out
}

// openTokenManager builds the OAuth token manager, or returns nil when no
// tenant is configured. Persistence requires an encryption key.
func openTokenManager(cfg *config.Config) *token.Manager {
	if !cfg.OAuthConfigured() {
		slog.Info("no oauth tenant configured, token manager disabled")
		return nil
	}

	var store *token.Store
	if cfg.OAuth.StoreKey != "" {
		s, err := token.NewStore(cfg.OAuth.StorePath, cfg.OAuth.StoreKey)
		if err != nil {
			slog.Error("failed to open token store", "error", err)
			os.Exit(1)
		}
		store = s
	} else {
		slog.Warn("no token store key configured, tokens will not survive restarts")
	}

	m, err := token.New(token.Config{
		TenantID:     cfg.OAuth.TenantID,
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		Scopes:       cfg.OAuth.Scopes,
		Flow:         token.Flow(cfg.OAuth.Flow),
		Authority:    cfg.OAuth.Authority,
		RedirectURL:  cfg.OAuth.RedirectURL,
	}, store)
	if err != nil {
		slog.Error("failed to create token manager", "error", err)
		os.Exit(1)
	}
	return m
}

// buildTransport wires the upstream transport named in the configuration.
// Called recursively for the hybrid pair.
func buildTransport(ctx context.Context, cfg *config.Config, name string, tokens *token.Manager) delivery.Transport {
	requireTokens := func() {
		if tokens == nil {
			slog.Error("transport requires an oauth tenant", "transport", name)
			os.Exit(1)
		}
	}

	switch name {
	case "graph":
		requireTokens()
		if cfg.Delivery.Graph.Sender == "" {
			slog.Error("graph transport requires a sender mailbox")
			os.Exit(1)
		}
		return delivery.NewGraph(delivery.GraphConfig{
			Sender:  cfg.Delivery.Graph.Sender,
			BaseURL: cfg.Delivery.Graph.BaseURL,
		}, tokens)

	case "smtp":
		requireTokens()
		if cfg.Delivery.SMTP.Host == "" {
			slog.Error("smtp transport requires a host")
			os.Exit(1)
		}
		return delivery.NewRelay(delivery.RelayConfig{
			Host:        cfg.Delivery.SMTP.Host,
			Port:        cfg.Delivery.SMTP.Port,
			User:        cfg.Delivery.SMTP.User,
			DisableTLS:  cfg.Delivery.SMTP.DisableTLS,
			DialTimeout: cfg.Delivery.SMTP.Timeout.Std(),
		}, tokens)

	case "ses":
		if cfg.Delivery.SES.Region == "" {
			slog.Error("ses transport requires a region")
			os.Exit(1)
		}
		t, err := delivery.NewSES(ctx, delivery.SESConfig{
			Region:          cfg.Delivery.SES.Region,
			AccessKeyID:     cfg.Delivery.SES.AccessKeyID,
			SecretAccessKey: cfg.Delivery.SES.SecretAccessKey,
			Sender:          cfg.Delivery.SES.Sender,
		})
		if err != nil {
			slog.Error("failed to create ses transport", "error", err)
			os.Exit(1)
		}
		return t

	case "hybrid":
		primary := buildTransport(ctx, cfg, cfg.Delivery.Hybrid.Primary, tokens)
		fallback := buildTransport(ctx, cfg, cfg.Delivery.Hybrid.Fallback, tokens)
		return delivery.NewHybrid(primary, fallback)

	case "logonly", "":
		slog.Info("using dry-run transport, messages are logged and dropped")
		return delivery.NewLogOnly()

	default:
		slog.Error("unknown transport", "transport", name)
		os.Exit(1)
		return nil
	}
}
