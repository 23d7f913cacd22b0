// bridgeclient is a headless client for the agent bridge server: it keeps
// the chat channel alive, normalizes provider streams into a persisted
// transcript, and exposes terminal sessions over companion sockets.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/workspace/bridgeclient/internal/api"
	"github.com/workspace/bridgeclient/internal/bridge"
	"github.com/workspace/bridgeclient/internal/config"
	"github.com/workspace/bridgeclient/internal/logging"
	"github.com/workspace/bridgeclient/internal/store"
	"github.com/workspace/bridgeclient/internal/store/persist"
)

var (
	flagServer  string
	flagToken   string
	flagProject string
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bridgeclient",
		Short:         "Headless client for the agent bridge server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	cmd.Flags().StringVar(&flagServer, "server", "", "bridge server base URL (overrides BRIDGE_SERVER_URL)")
	cmd.Flags().StringVar(&flagToken, "token", "", "bearer token for the bridge server (overrides BRIDGE_AUTH_TOKEN)")
	cmd.Flags().StringVar(&flagProject, "project", "", "project path on the server (overrides BRIDGE_PROJECT_PATH)")
	return cmd
}

func main() {
	logging.Setup()
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if flagServer != "" {
		cfg.ServerURL = flagServer
	}
	if flagToken != "" {
		cfg.AuthToken = flagToken
	}
	if flagProject != "" {
		cfg.ProjectPath = flagProject
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logging.Component("main")
	log.Info("starting bridge client", "server", cfg.ServerURL, "project", cfg.ProjectPath)

	if cfg.AuthToken != "" {
		if info, err := api.InspectToken(cfg.AuthToken); err != nil {
			log.Warn("could not inspect auth token", "error", err)
		} else if info.Expired(time.Now()) {
			log.Warn("auth token is expired; the server will reject requests",
				"subject", info.Subject, "expired_at", info.ExpiresAt)
		}
	}

	// Persistence is best-effort: a broken database downgrades to an
	// in-memory session, it never blocks startup.
	var persister store.Persister
	var db *persist.Store
	if cfg.PersistPath != "" {
		db, err = persist.Open(cfg.PersistPath)
		if err != nil {
			log.Warn("persistence disabled", "path", cfg.PersistPath, "error", err)
		} else {
			persister = db
			defer db.Close()
		}
	}

	providers := make([]store.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers = append(providers, store.Provider(p))
	}
	st := store.New(providers, persister, logging.Component("store"))
	if db != nil {
		snap, err := db.Load()
		if err != nil {
			log.Warn("could not restore previous session", "error", err)
		} else {
			st.Hydrate(snap)
		}
	}

	b := bridge.New(cfg, bridge.Options{
		Store: st,
		OpenURL: func(url string) {
			// Headless process; surface the request instead of opening.
			log.Info("url open requested", "url", url)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	refresher := b.AttachRefresher(api.New(cfg.ServerURL, cfg.AuthToken), nil)
	go refresher.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	cancel()
	b.Close()
	return nil
}
