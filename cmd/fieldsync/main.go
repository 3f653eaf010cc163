package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/constructpro/fieldsync/internal/api"
	"github.com/constructpro/fieldsync/internal/config"
	"github.com/constructpro/fieldsync/internal/model"
	"github.com/constructpro/fieldsync/internal/spool"
	"github.com/constructpro/fieldsync/internal/store"
	"github.com/constructpro/fieldsync/internal/sync"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "fieldsync",
		Short:   "Offline-first sync gateway for ConstructionPro field sites",
		Long:    `A site gateway that queues daily logs and drawing annotations captured offline and syncs them to the ConstructionPro backend when connectivity allows.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		daemonCmd(),
		drainCmd(),
		ingestCmd(),
		enqueueCmd(),
		statusCmd(),
		conflictsCmd(),
		resolveCmd(),
		retryFailedCmd(),
		clearFailedCmd(),
		cachedCmd(),
		migrateCmd(),
		initCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads config and connects store and backend client
func setup(ctx context.Context) (*config.Config, *store.Store, *api.Client, *sync.Syncer, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.New(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	client := api.New(&cfg.API)
	syncer := sync.New(st, st, client, sync.Options{
		MaxRetries:  cfg.Sync.MaxRetries,
		BackoffBase: cfg.Sync.BackoffBase(),
		BackoffCap:  cfg.Sync.BackoffCap(),
	})

	return cfg, st, client, syncer, nil
}

// refreshCache re-fetches the stalest cached daily logs so offline reads
// stay close to the server's truth. Best effort only; a dead backend just
// means the cache ages until the next pass.
func refreshCache(ctx context.Context, st *store.Store, client *api.Client) {
	ids, err := st.ListStaleDailyLogIDs(ctx, time.Now().Add(-15*time.Minute), 20)
	if err != nil {
		slog.Error("failed to list stale cache entries", "error", err)
		return
	}

	for _, id := range ids {
		log, err := client.GetDailyLog(ctx, id)
		if err != nil {
			if api.IsNotFound(err) {
				// Deleted on the server; drop the stale copy
				if err := st.DeleteDailyLog(ctx, id); err != nil {
					slog.Warn("failed to evict deleted daily log", "id", id, "error", err)
				}
				continue
			}
			slog.Debug("cache refresh fetch failed", "id", id, "error", err)
			return
		}
		if err := st.UpsertDailyLog(ctx, log, false); err != nil {
			slog.Warn("failed to refresh cached daily log", "id", id, "error", err)
		}
	}

	if len(ids) > 0 {
		slog.Debug("cache refresh pass", "count", len(ids))
	}
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Start the background ingest/sync process",
		Long:  `Starts a daemon that watches the spool directory for dropped mutations, queues them, and drains the queue to the backend on a fixed interval and on arrival.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			cfg, st, client, syncer, err := setup(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			// Actions stranded mid-sync by a previous crash go back to
			// pending before anything else happens
			if err := syncer.Recover(ctx); err != nil {
				return err
			}

			if err := client.Ping(ctx); err != nil {
				slog.Warn("backend unreachable at startup, queueing offline", "error", err)
			}

			ingestor := spool.NewIngestor(cfg.Spool.Dir, st, st)

			// Catch up on whatever accumulated while the daemon was down
			if cfg.Spool.Dir != "" {
				if stats, err := ingestor.IngestAll(ctx); err != nil {
					slog.Error("initial spool sweep failed", "error", err)
				} else if stats.Ingested > 0 || stats.Rejected > 0 {
					slog.Info("initial spool sweep",
						"ingested", stats.Ingested, "rejected", stats.Rejected)
				}
			}
			syncer.SyncAll(ctx)

			var arrivals <-chan spool.Arrival
			if cfg.Spool.Dir != "" {
				w, err := spool.NewWatcher(cfg.Spool.Dir, cfg.Spool.DebounceMs, cfg.Spool.IgnorePatterns)
				if err != nil {
					return fmt.Errorf("failed to create spool watcher: %w", err)
				}
				if err := w.Start(ctx); err != nil {
					return fmt.Errorf("failed to start spool watcher: %w", err)
				}
				defer w.Stop()
				arrivals = w.Arrivals()
			} else {
				slog.Warn("no spool directory configured, running drain-only")
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			slog.Info("daemon started", "site", cfg.Site, "spool", cfg.Spool.Dir)
			fmt.Println("Syncing queued site mutations. Press Ctrl+C to stop.")

			drainTicker := time.NewTicker(cfg.Sync.DrainInterval())
			defer drainTicker.Stop()

			for {
				select {
				case <-sigCh:
					slog.Info("shutting down...")
					return nil

				case arrival := <-arrivals:
					slog.Debug("spool arrival", "path", arrival.Path)
					if _, err := ingestor.IngestFile(ctx, arrival.Path); err != nil {
						slog.Error("ingest failed", "path", arrival.Path, "error", err)
					}
					syncer.SyncAll(ctx)

				case <-drainTicker.C:
					// Periodic pass picks up rescheduled retries and any
					// spool files whose events were missed
					if cfg.Spool.Dir != "" {
						if _, err := ingestor.IngestAll(ctx); err != nil {
							slog.Error("spool sweep failed", "error", err)
						}
					}
					report := syncer.SyncAll(ctx)
					if report.Clean {
						refreshCache(ctx, st, client)
					}
				}
			}
		},
	}
}

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "One-time queue drain, then exit",
		Long:  `Ingests any spooled mutations, drains the pending-action queue to the backend once, and exits. Exit status is non-zero when anything failed or conflicted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, st, _, syncer, err := setup(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := syncer.Recover(ctx); err != nil {
				return err
			}

			if cfg.Spool.Dir != "" {
				ingestor := spool.NewIngestor(cfg.Spool.Dir, st, st)
				if stats, err := ingestor.IngestAll(ctx); err != nil {
					slog.Error("spool sweep failed", "error", err)
				} else if stats.Ingested > 0 {
					fmt.Printf("Ingested %d spooled mutation(s).\n", stats.Ingested)
				}
			}

			report := syncer.SyncAll(ctx)
			fmt.Printf("Drained: %d succeeded, %d retried, %d failed, %d conflicted, %d waiting on backoff.\n",
				report.Succeeded, report.Retried, report.Failed, report.Conflicted, report.Skipped)

			if !report.Clean {
				return fmt.Errorf("drain finished with unsynced actions")
			}
			return nil
		},
	}
}

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Sweep the spool directory into the queue",
		Long:  `Reads every envelope file in the spool directory, queues valid mutations, moves invalid ones to the rejected subdirectory, and exits without draining.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Spool.Dir == "" {
				return fmt.Errorf("no spool directory configured")
			}

			st, err := store.New(ctx, &cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer st.Close()

			ingestor := spool.NewIngestor(cfg.Spool.Dir, st, st)

			files, err := ingestor.ListFiles()
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Println("Spool is empty.")
				return nil
			}

			bar := progressbar.Default(int64(len(files)), "ingesting")
			var stats spool.Stats
			for _, path := range files {
				if _, err := ingestor.IngestFile(ctx, path); err != nil {
					stats.Rejected++
				} else {
					stats.Ingested++
				}
				bar.Add(1)
			}

			fmt.Printf("Ingested %d mutation(s), rejected %d.\n", stats.Ingested, stats.Rejected)
			return nil
		},
	}
}

func enqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <type> [payload-file]",
		Short: "Queue a mutation directly",
		Long:  `Queues a single mutation without going through the spool. The payload is read from the given file, or stdin when omitted.`,
		Args:  cobra.RangeArgs(1, 2),
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		actionType := model.ActionType(args[0])
		if actionType.Priority() >= 100 {
			return fmt.Errorf("unknown action type %q", args[0])
		}

		var payload []byte
		var err error
		if len(args) == 2 {
			payload, err = os.ReadFile(args[1])
		} else {
			payload, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}
		if !json.Valid(payload) {
			return fmt.Errorf("payload is not valid JSON")
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		st, err := store.New(ctx, &cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer st.Close()

		action, err := st.Enqueue(ctx, actionType, payload)
		if err != nil {
			return err
		}

		fmt.Printf("Queued action %s (%s).\n", action.ID, action.Type)
		return nil
	}

	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and connectivity status",
		Long:  `Shows queue depth per status, backend reachability, and details of failed actions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			st, err := store.New(ctx, &cfg.Database)
			if err != nil {
				fmt.Printf("Database: Disconnected\n")
				fmt.Printf("Error: %v\n", err)
				return nil
			}
			defer st.Close()

			fmt.Println("=== FieldSync Status ===")
			fmt.Printf("Site: %s\n", cfg.Site)
			fmt.Printf("Database: Connected\n")
			fmt.Printf("  Host: %s\n", cfg.Database.Host)
			fmt.Printf("  Schema: %s\n", cfg.Database.Schema)

			client := api.New(&cfg.API)
			if err := client.Ping(ctx); err != nil {
				fmt.Printf("Backend: Unreachable (%v)\n", err)
			} else {
				fmt.Printf("Backend: Reachable (%s)\n", cfg.API.BaseURL)
			}
			fmt.Println()

			counts, err := st.CountByStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to count actions: %w", err)
			}

			fmt.Println("Queue:")
			fmt.Printf("  Pending:  %d\n", counts[model.StatusPending])
			fmt.Printf("  Syncing:  %d\n", counts[model.StatusSyncing])
			fmt.Printf("  Failed:   %d\n", counts[model.StatusFailed])
			fmt.Printf("  Conflict: %d\n", counts[model.StatusConflict])

			if counts[model.StatusFailed] > 0 {
				failed, err := st.ListByStatus(ctx, model.StatusFailed)
				if err != nil {
					return err
				}
				fmt.Println("\nFailed actions:")
				for _, a := range failed {
					fmt.Printf("  %s  %-18s retries=%d  %s\n", a.ID, a.Type, a.RetryCount, a.LastError)
				}
			}

			return nil
		},
	}
}

func conflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicted actions",
		Long:  `Lists actions parked in conflict state with both version numbers, for resolving with the resolve command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			st, err := store.New(ctx, &cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer st.Close()

			conflicts, err := st.ListByStatus(ctx, model.StatusConflict)
			if err != nil {
				return err
			}
			if len(conflicts) == 0 {
				fmt.Println("No conflicts.")
				return nil
			}

			for _, a := range conflicts {
				fmt.Printf("%s  %s\n", a.ID, a.Type)
				if a.Conflict != nil {
					fmt.Printf("  local version:  %d\n", a.Conflict.LocalVersion)
					fmt.Printf("  server version: %d\n", a.Conflict.ServerVersion)
				}
				fmt.Printf("  queued: %s\n", a.CreatedAt.Format(time.RFC3339))
			}
			fmt.Println("\nResolve with: fieldsync resolve <id> SERVER_WINS|CLIENT_WINS|MERGE|KEEP_BOTH")
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <action-id> <resolution>",
		Short: "Resolve a conflicted action",
		Long:  `Applies a resolution to a conflicted action: SERVER_WINS discards the local change, CLIENT_WINS re-queues it, MERGE currently behaves as SERVER_WINS, KEEP_BOTH parks it for manual reconciliation.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			resolution, ok := model.ParseResolution(strings.ToUpper(args[1]))
			if !ok {
				return fmt.Errorf("unknown resolution %q", args[1])
			}

			_, st, _, syncer, err := setup(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := syncer.ResolveConflict(ctx, args[0], resolution); err != nil {
				return err
			}

			fmt.Printf("Resolved %s with %s.\n", args[0], resolution)
			return nil
		},
	}
}

func retryFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Re-queue all failed actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			_, st, _, syncer, err := setup(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := syncer.RetryFailed(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Re-queued %d failed action(s).\n", n)
			return nil
		},
	}
}

func clearFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-failed",
		Short: "Delete all failed actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			_, st, _, syncer, err := setup(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := syncer.ClearFailed(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d failed action(s).\n", n)
			return nil
		},
	}
}

func cachedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cached <daily-log-id>",
		Short: "Show a cached daily log",
		Long:  `Shows the locally cached copy of a daily log and its attachments, as the site would see it offline.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			st, err := store.New(ctx, &cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer st.Close()

			log, err := st.GetDailyLog(ctx, args[0])
			if err != nil {
				return err
			}
			if log == nil {
				fmt.Println("Not in cache.")
				return nil
			}

			out, err := json.MarshalIndent(log, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			attachments, err := st.ListAttachments(ctx, args[0])
			if err != nil {
				return err
			}
			if len(attachments) > 0 {
				fmt.Println("\nAttachments:")
				for _, att := range attachments {
					fmt.Printf("  %s  %s\n", att.ID, att.FileName)
				}
			}

			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Runs all pending database migrations in the site's schema.`,
	}

	migrationsDir := ""
	status := false
	cmd.Flags().StringVar(&migrationsDir, "dir", "migrations", "migrations directory")
	cmd.Flags().BoolVar(&status, "status", false, "show migration status instead of applying")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		st, err := store.New(ctx, &cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer st.Close()

		// Resolve migrations directory
		if !filepath.IsAbs(migrationsDir) {
			exe, _ := os.Executable()
			exeDir := filepath.Dir(exe)
			if _, err := os.Stat(filepath.Join(exeDir, migrationsDir)); err == nil {
				migrationsDir = filepath.Join(exeDir, migrationsDir)
			} else {
				cwd, _ := os.Getwd()
				migrationsDir = filepath.Join(cwd, migrationsDir)
			}
		}

		if status {
			return st.MigrationStatus(migrationsDir)
		}

		if err := st.RunMigrations(ctx, migrationsDir); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		fmt.Println("Migrations completed successfully.")
		return nil
	}

	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup to create config file",
		Long:  `Interactively creates a configuration file for this site gateway.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(os.Stdin)
			prompt := func(label, fallback string) string {
				if fallback != "" {
					fmt.Printf("%s [%s]: ", label, fallback)
				} else {
					fmt.Printf("%s: ", label)
				}
				value, _ := reader.ReadString('\n')
				value = strings.TrimSpace(value)
				if value == "" {
					return fallback
				}
				return value
			}

			fmt.Println("=== FieldSync Setup ===")
			fmt.Println()

			cfg := config.DefaultConfig()
			cfg.Site = prompt("Site name", "")
			if cfg.Site == "" {
				return fmt.Errorf("site name is required")
			}

			fmt.Println("\nDatabase configuration:")
			cfg.Database.Host = prompt("  Host", "localhost")
			fmt.Sscanf(prompt("  Port", "5432"), "%d", &cfg.Database.Port)
			cfg.Database.User = prompt("  User", "fieldsync")
			cfg.Database.Database = prompt("  Database name", "")
			if cfg.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
			cfg.Database.Schema = prompt("  Schema name", config.SanitizeIdentifier(cfg.Site))
			cfg.Database.SSLMode = prompt("  SSL mode", "require")
			// Secrets stay out of the file; Load expands these at startup
			cfg.Database.Password = "${FIELDSYNC_DB_PASSWORD}"

			fmt.Println("\nBackend configuration:")
			cfg.API.BaseURL = prompt("  API base URL", "")
			if cfg.API.BaseURL == "" {
				return fmt.Errorf("API base URL is required")
			}
			cfg.API.Token = "${FIELDSYNC_API_TOKEN}"

			fmt.Println("\nSpool configuration:")
			cfg.Spool.Dir = prompt("  Spool directory", "")

			content, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}

			configDir, err := config.GetStateDir()
			if err != nil {
				return err
			}
			configPath := filepath.Join(configDir, "config.yaml")

			if err := os.WriteFile(configPath, content, 0600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Printf("\nConfig file written to: %s\n", configPath)
			fmt.Println("\nIMPORTANT: set the credential environment variables:")
			fmt.Println("  export FIELDSYNC_DB_PASSWORD='...'")
			fmt.Println("  export FIELDSYNC_API_TOKEN='...'")
			fmt.Println("\nTo run migrations: fieldsync migrate")
			fmt.Println("To check status:   fieldsync status")
			fmt.Println("To start syncing:  fieldsync daemon")

			return nil
		},
	}
}
