package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/hearth-dev/hearth/internal/config"
	"github.com/hearth-dev/hearth/internal/control"
	"github.com/hearth-dev/hearth/internal/db"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/gossip"
	"github.com/hearth-dev/hearth/internal/logging"
	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/hearth-dev/hearth/internal/policy"
	"github.com/hearth-dev/hearth/internal/runtime"
	"github.com/hearth-dev/hearth/internal/storage"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the node until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context())
		},
	}
}

func runNode(ctx context.Context) error {
	if err := config.Initialize(); err != nil {
		return errs.Wrap(errs.ConfigError, "load configuration", err)
	}
	logging.Setup(logging.Options{
		Level:      config.GetString("log.level"),
		File:       config.GetString("log.file"),
		MaxSizeMB:  config.GetInt("log.max-size-mb"),
		MaxBackups: config.GetInt("log.max-backups"),
	})

	keystore := nid.NewKeystore(afero.NewOsFs(), config.KeysPath())
	signer, err := keystore.Load(config.GetString("passphrase"))
	if err != nil {
		return errs.Wrap(errs.ConfigError, "load node keys (run `hearth-node init` first)", err)
	}

	store, err := storage.Open(config.StoragePath())
	if err != nil {
		return err
	}
	database, err := db.Open(filepath.Join(config.HomeDir(), "node.db"))
	if err != nil {
		return err
	}
	defer database.Close()

	cfg := runtimeConfig()
	node, err := runtime.New(cfg, signer, store, database)
	if err != nil {
		return err
	}

	ctrl := &control.Server{Node: node, Version: version}
	if err := ctrl.Listen(cfg.ControlSocket); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if serveErr := ctrl.Serve(runCtx); serveErr != nil {
			cancel()
		}
	}()
	defer os.Remove(cfg.ControlSocket)

	return node.Run(runCtx)
}

// runtimeConfig maps the viper configuration onto the runtime's shape.
func runtimeConfig() runtime.Config {
	gossipCfg := gossip.DefaultConfig()
	if d := config.GetDuration("gossip.anti-entropy-interval"); d > 0 {
		gossipCfg.FreshnessPast = d
	}

	defaults := policy.Defaults{
		SeedUnknown:   config.GetString("policy.default-seeding") == "allow",
		Scope:         policy.Scope(config.GetString("policy.default-scope")),
		FollowUnknown: true,
	}

	return runtime.Config{
		Home:             config.HomeDir(),
		Listen:           config.GetStringSlice("listen"),
		Seeds:            config.Seeds(),
		FetchConcurrency: config.GetInt("fetch.concurrency"),
		FetchTimeout:     config.GetDuration("fetch.timeout"),
		KeepMarkerTTL:    config.GetDuration("fetch.keep-marker-ttl"),
		AnnounceInterval: config.GetDuration("gossip.announce-interval"),
		ReconnectMin:     config.GetDuration("gossip.reconnect-backoff-min"),
		ReconnectMax:     config.GetDuration("gossip.reconnect-backoff-max"),
		ControlSocket:    config.ControlSocketPath(),
		Gossip:           gossipCfg,
		PolicyDefaults:   defaults,
	}
}
