// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/autobrr/qsync/internal/buildinfo"
	"github.com/autobrr/qsync/internal/config"
	"github.com/autobrr/qsync/internal/database"
	"github.com/autobrr/qsync/internal/events"
	"github.com/autobrr/qsync/internal/models"
	"github.com/autobrr/qsync/internal/qbittorrent"
)

// storeEnv is the config, database and instance store shared by the
// offline commands.
type storeEnv struct {
	cfg           *config.AppConfig
	db            *database.DB
	instanceStore *models.InstanceStore
}

func openStores(configDir, dataDir string) (*storeEnv, error) {
	cfg, err := config.New(configDir, buildinfo.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}

	if dataDir != "" {
		cfg.SetDataDir(dataDir)
	}

	cfg.ApplyLogConfig()

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	instanceStore, err := models.NewInstanceStore(db, cfg.GetEncryptionKey())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize instance store: %w", err)
	}

	return &storeEnv{cfg: cfg, db: db, instanceStore: instanceStore}, nil
}

func (e *storeEnv) Close() error {
	return e.db.Close()
}

// findInstance resolves an instance by numeric ID or by name.
func (e *storeEnv) findInstance(ctx context.Context, ref string) (*models.Instance, error) {
	if id, err := strconv.Atoi(ref); err == nil {
		return e.instanceStore.Get(ctx, id)
	}

	instances, err := e.instanceStore.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, instance := range instances {
		if instance.Name == ref {
			return instance, nil
		}
	}

	return nil, fmt.Errorf("%q: %w", ref, models.ErrInstanceNotFound)
}

func addStoreFlags(command *cobra.Command, configDir, dataDir *string) {
	command.Flags().StringVar(configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
}

func RunAddInstanceCommand() *cobra.Command {
	var (
		configDir, dataDir        string
		name, host, username      string
		password                  string
		basicUsername, basicPass  string
		tlsSkipVerify, skipVerify bool
	)

	command := &cobra.Command{
		Use:   "add-instance",
		Short: "Add a qBittorrent instance",
		Long: `Add a qBittorrent instance without starting the server.

The password is prompted for when --password is not given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || host == "" {
				return fmt.Errorf("--name and --host are required")
			}

			if password == "" {
				var err error
				password, err = readPassword("Enter qBittorrent password: ")
				if err != nil {
					return err
				}
			}

			env, err := openStores(configDir, dataDir)
			if err != nil {
				return err
			}
			defer env.Close()

			var basicUser, basicPassword *string
			if basicUsername != "" {
				basicUser = &basicUsername
				basicPassword = &basicPass
			}

			ctx := cmd.Context()
			instance, err := env.instanceStore.Create(ctx, name, host, username, password, basicUser, basicPassword, tlsSkipVerify)
			if err != nil {
				return fmt.Errorf("failed to create instance: %w", err)
			}

			cmd.Printf("Instance '%s' created with ID %d\n", instance.Name, instance.ID)

			if skipVerify {
				return nil
			}

			client, err := newStandaloneClient(ctx, env, instance)
			if err != nil {
				cmd.Printf("Warning: instance saved but connection failed: %v\n", err)
				return nil
			}
			cmd.Printf("Connected to qBittorrent WebAPI %s\n", client.GetWebAPIVersion())
			return nil
		},
	}

	addStoreFlags(command, &configDir, &dataDir)
	command.Flags().StringVar(&name, "name", "", "instance name")
	command.Flags().StringVar(&host, "host", "", "qBittorrent WebUI URL, e.g. http://localhost:8080")
	command.Flags().StringVar(&username, "username", "admin", "qBittorrent username")
	command.Flags().StringVar(&password, "password", "", "qBittorrent password (will prompt if not provided)")
	command.Flags().StringVar(&basicUsername, "basic-username", "", "HTTP basic auth username")
	command.Flags().StringVar(&basicPass, "basic-password", "", "HTTP basic auth password")
	command.Flags().BoolVar(&tlsSkipVerify, "tls-skip-verify", false, "skip TLS certificate verification")
	command.Flags().BoolVar(&skipVerify, "no-test", false, "do not test the connection after saving")

	return command
}

// newStandaloneClient logs in to an instance outside the pool. Its poller is
// never started.
func newStandaloneClient(ctx context.Context, env *storeEnv, instance *models.Instance) (*qbittorrent.Client, error) {
	password, err := env.instanceStore.GetDecryptedPassword(instance)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt password: %w", err)
	}

	var basicPassword *string
	if instance.BasicPasswordEncrypted != nil {
		basicPassword, err = env.instanceStore.GetDecryptedBasicPassword(instance)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt basic auth password: %w", err)
		}
	}

	timeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	return qbittorrent.NewClient(instance.ID, instance.Host, instance.Username, password, qbittorrent.ClientOptions{
		BasicUsername: instance.BasicUsername,
		BasicPassword: basicPassword,
		TLSSkipVerify: instance.TLSSkipVerify,
		Timeout:       timeout,
	})
}

func RunSnapshotCommand() *cobra.Command {
	var configDir, dataDir, format string

	command := &cobra.Command{
		Use:   "snapshot <instance>",
		Short: "Run one full sync and print the merged state",
		Long: `Log in to an instance, run a single full sync (rid 0) and print the
merged torrents, categories, tags and server state.

The instance is referenced by ID or name.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "yaml" {
				return fmt.Errorf("unknown format %q, use json or yaml", format)
			}

			env, err := openStores(configDir, dataDir)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			instance, err := env.findInstance(ctx, args[0])
			if err != nil {
				return err
			}

			client, err := newStandaloneClient(ctx, env, instance)
			if err != nil {
				return err
			}

			result, err := client.Poller().PollOnce(ctx)
			if err != nil {
				return err
			}
			if result.Err != nil {
				return fmt.Errorf("sync failed: %w", result.Err)
			}

			return writeSnapshot(cmd.OutOrStdout(), client.Session().Snapshot(), format)
		},
	}

	addStoreFlags(command, &configDir, &dataDir)
	command.Flags().StringVarP(&format, "format", "o", "json", "output format: json or yaml")

	return command
}

func writeSnapshot(w io.Writer, snap qbittorrent.Snapshot, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
}

func RunWatchCommand() *cobra.Command {
	var (
		configDir, dataDir string
		view               string
		interval           time.Duration
	)

	command := &cobra.Command{
		Use:   "watch <instance>",
		Short: "Poll one instance and log every render event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openStores(configDir, dataDir)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			instance, err := env.findInstance(ctx, args[0])
			if err != nil {
				return err
			}

			clientPool, err := qbittorrent.NewClientPool(env.instanceStore, models.NewInstanceErrorStore(env.db), qbittorrent.PoolOptions{
				FailureRetry:   env.cfg.Config.FailureRetry(),
				CustomInterval: env.cfg.Config.CustomInterval(),
			})
			if err != nil {
				return err
			}
			defer clientPool.Close()

			dispatcher := events.NewDispatcher(events.NewLogPublisher(log.Logger.With().Str("instance", instance.Name).Logger()), 0)
			dispatcher.Start()
			defer dispatcher.Stop()
			clientPool.AddPollListener(func(result qbittorrent.PollResult) {
				if result.InstanceID == instance.ID {
					dispatcher.Listen(result)
				}
			})

			syncManager := qbittorrent.NewSyncManager(clientPool, qbittorrent.SyncManagerOptions{
				CommandRate: env.cfg.Config.CommandRateLimit,
			})
			defer syncManager.Close()

			if err := syncManager.SetView(ctx, instance.ID, view, interval); err != nil {
				return err
			}

			log.Info().Int("instanceID", instance.ID).Str("view", view).Msg("Watching instance, press Ctrl+C to stop")
			<-ctx.Done()
			return nil
		},
	}

	addStoreFlags(command, &configDir, &dataDir)
	command.Flags().StringVar(&view, "view", qbittorrent.ViewTransfers, "polling view: transfers or search")
	command.Flags().DurationVar(&interval, "interval", 0, "poll interval for the search view (default from config)")

	return command
}

