package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/perch/internal/config"
	"github.com/ehrlich-b/perch/internal/gateway"
	"github.com/ehrlich-b/perch/internal/logger"
	"github.com/ehrlich-b/perch/internal/notify"
	"github.com/ehrlich-b/perch/internal/relay"
	"github.com/ehrlich-b/perch/internal/session"
	"github.com/ehrlich-b/perch/internal/settings"
	"github.com/ehrlich-b/perch/internal/store"
	"github.com/ehrlich-b/perch/internal/supervisor"
	"github.com/ehrlich-b/perch/internal/term"
)

var version = "dev"

func main() {
	var configFlag string
	var addrFlag string
	var logLevelFlag string

	root := &cobra.Command{
		Use:   "perchd",
		Short: "perch agent gateway",
		Long:  "perchd supervises the agent server and exposes its event stream,\nnotifications and terminal sessions to browser clients.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := configFlag
			if cfgPath == "" {
				cfgPath = config.DefaultConfigPath()
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if addrFlag != "" {
				cfg.Server.Addr = addrFlag
			}
			if logLevelFlag != "" {
				cfg.Logging.Level = logLevelFlag
			}
			return serve(cmd.Context(), cfg)
		},
	}

	root.Flags().StringVar(&configFlag, "config", "", "config file path (default ~/.perch/config.yaml)")
	root.Flags().StringVar(&addrFlag, "addr", "", "listen address override")
	root.Flags().StringVar(&logLevelFlag, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the perchd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("perchd", version)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	settingsDir, err := config.EnsureConfigDir()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	secret, err := loadJWTSecret(cfg, st)
	if err != nil {
		return err
	}

	settingsSvc, err := settings.New(settingsDir)
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	defer settingsSvc.Close()

	hub := relay.NewHub()
	defer hub.Close()

	attention := session.NewAttention(func(sessionID string, needs bool) {
		b, _ := json.Marshal(map[string]any{"sessionId": sessionID, "needsAttention": needs})
		hub.Publish("attention", b)
	})
	tracker := session.NewTracker(attention, func(u session.Update) {
		b, _ := json.Marshal(u)
		hub.Publish("session-status", b)
	})
	activity := session.NewActivity(func(sessionID string, phase session.Phase) {
		b, _ := json.Marshal(map[string]any{"sessionId": sessionID, "activity": phase})
		hub.Publish("session-activity", b)
	})

	sup := supervisor.New(supervisor.Options{
		Binary:  cfg.Agent.Binary,
		Command: cfg.Agent.Command,
		Args:    cfg.Agent.Args,
		Port:    cfg.Agent.Port,
		URL:     cfg.Agent.URL,
	})
	// Derived phases don't survive an agent process boundary.
	sup.OnRetarget(func(baseURL string) {
		activity.ResetAll()
		logger.Info("agent retargeted", "url", baseURL)
	})

	rly := relay.New(func() (string, string) {
		if !sup.Ready() {
			return "", ""
		}
		return sup.BaseURL(), sup.Token()
	}, hub, tracker, activity)

	dispatcher := notify.NewDispatcher(settingsSvc)
	if cfg.Notify.NtfyTopic != "" {
		dispatcher.Desktop = notify.NewDesktopChannel(cfg.Notify.NtfyTopic, cfg.Notify.NtfyToken)
	}
	dispatcher.Push = notify.NewPushChannel(pushStoreAdapter{st}, "http://"+cfg.Server.Addr)
	dispatcher.InApp = func(t notify.Trigger) {
		b, _ := json.Marshal(t)
		hub.Publish("notification", b)
	}
	rly.SetNotifySink(dispatcher)
	rly.SetTranscriptSink(st)

	terminals := term.NewManager(cfg.Terminal.Shell, cfg.Terminal.MaxSessions, cfg.Terminal.IdleTimeout)

	srv := gateway.NewServer(gateway.Deps{
		Supervisor:  sup,
		Hub:         hub,
		Tracker:     tracker,
		Attention:   attention,
		Activity:    activity,
		Terminals:   terminals,
		Store:       st,
		Settings:    settingsSvc,
		JWTSecret:   secret,
		AuthDisable: cfg.Server.AuthDisable,
	})
	dispatcher.Visible = srv.Visible

	if err := sup.Start(ctx); err != nil {
		logger.Warn("agent not up yet, supervisor will keep trying", "error", err)
	}
	defer sup.Stop()

	go sup.Run(ctx)
	go rly.Run(ctx)
	go dispatcher.Run(ctx)
	go hub.RunHeartbeat(ctx)
	go tracker.RunSweeper(ctx)
	go attention.RunSweeper(ctx)
	go terminals.RunSweeper(ctx)

	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("perchd listening", "addr", cfg.Server.Addr, "version", version)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

const jwtSecretKey = "jwt_secret"

// loadJWTSecret resolves the gateway secret: config takes precedence, then
// the persisted one, and a fresh secret is generated and persisted on first
// run.
func loadJWTSecret(cfg *config.Config, st *store.Store) ([]byte, error) {
	if cfg.Server.JWTSecret != "" {
		if raw, err := base64.StdEncoding.DecodeString(cfg.Server.JWTSecret); err == nil {
			return raw, nil
		}
		return []byte(cfg.Server.JWTSecret), nil
	}
	if saved, err := st.GetConfig(jwtSecretKey); err != nil {
		return nil, fmt.Errorf("load jwt secret: %w", err)
	} else if saved != "" {
		raw, err := base64.StdEncoding.DecodeString(saved)
		if err != nil {
			return nil, fmt.Errorf("decode persisted jwt secret: %w", err)
		}
		return raw, nil
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}
	if err := st.SetConfig(jwtSecretKey, base64.StdEncoding.EncodeToString(raw)); err != nil {
		return nil, fmt.Errorf("persist jwt secret: %w", err)
	}
	return raw, nil
}

// pushStoreAdapter adapts *store.Store to notify.SubscriptionStore,
// converting store.PushSubscription to notify.Subscription.
type pushStoreAdapter struct {
	st *store.Store
}

func (a pushStoreAdapter) ListPushSubscriptions() ([]notify.Subscription, error) {
	subs, err := a.st.ListPushSubscriptions()
	if err != nil {
		return nil, err
	}
	out := make([]notify.Subscription, 0, len(subs))
	for _, s := range subs {
		out = append(out, notify.Subscription{ID: s.ID, Endpoint: s.Endpoint})
	}
	return out, nil
}

func (a pushStoreAdapter) DeletePushSubscription(id string) error {
	return a.st.DeletePushSubscription(id)
}
