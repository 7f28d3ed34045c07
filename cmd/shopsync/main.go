// Package main provides the shopsync command line interface: a long-running
// sync daemon plus one-shot operational commands for the queue, conflicts,
// the dead-letter queue and the audit chain.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dukantech/shopsync/internal/audit"
	"github.com/dukantech/shopsync/internal/config"
	"github.com/dukantech/shopsync/internal/db"
	"github.com/dukantech/shopsync/internal/logging"
	"github.com/dukantech/shopsync/internal/metrics"
	"github.com/dukantech/shopsync/internal/models"
	syncpkg "github.com/dukantech/shopsync/internal/sync"
	"github.com/dukantech/shopsync/internal/sync/conflict"
	"github.com/dukantech/shopsync/internal/sync/remote"
	"github.com/dukantech/shopsync/internal/sync/scheduler"
	"github.com/dukantech/shopsync/internal/txn"
)

var (
	flagConfig string
	flagOwner  string
)

func main() {
	root := &cobra.Command{
		Use:           "shopsync",
		Short:         "Offline-first sync engine for shop data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "shopsync.yaml", "config file path")
	root.PersistentFlags().StringVarP(&flagOwner, "owner", "o", "", "tenant (shop) identifier")

	root.AddCommand(serveCmd(), syncCmd(), statusCmd(), auditCmd(), dlqCmd(), conflictsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app bundles everything a command needs.
type app struct {
	cfg    *config.Config
	store  *db.Store
	engine *syncpkg.Engine
	close  func()
}

// newApp loads configuration, opens and migrates the database and wires the
// engine.
func newApp(withMetrics bool) (*app, error) {
	logging.Init(os.Stderr, logging.LevelInfo)

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if cfg.DeviceID == "" {
		host, _ := os.Hostname()
		cfg.DeviceID = host
	}

	database, err := db.Open(cfg.Database.Dir)
	if err != nil {
		return nil, err
	}

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Up(); err != nil {
		database.Close()
		return nil, err
	}

	store := db.NewStore(database.DB)
	coord := txn.New(database.DB)
	chain := audit.NewChain(store)
	now := func() int64 { return time.Now().UnixMilli() }

	remoteStore := remote.NewHTTPStore(cfg.Remote.BaseURL, cfg.Remote.AuthToken, nil)

	policies := make(map[string]models.Resolution, len(cfg.Conflict.Policies))
	for collection, policy := range cfg.Conflict.Policies {
		policies[collection] = models.Resolution(policy)
	}

	resolver := conflict.NewResolver(conflict.Options{
		Store:         store,
		Coordinator:   coord,
		Chain:         chain,
		Remote:        remoteStore,
		Cache:         db.NewDocumentCache(store, now),
		Policies:      policies,
		DefaultPolicy: models.Resolution(cfg.Conflict.DefaultPolicy),
		Timeout:       cfg.Sync.RemoteTimeout,
		Now:           now,
	})

	var m *metrics.Metrics
	if withMetrics {
		m = metrics.New(prometheus.DefaultRegisterer)
	}

	engine, err := syncpkg.NewEngine(syncpkg.Options{
		Config:      cfg,
		Store:       store,
		Coordinator: coord,
		Chain:       chain,
		Remote:      remoteStore,
		Resolver:    resolver,
		Metrics:     m,
		Now:         now,
	})
	if err != nil {
		store.Close()
		database.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		store:  store,
		engine: engine,
		close: func() {
			store.Close()
			database.Close()
		},
	}, nil
}

func requireOwner() error {
	if flagOwner == "" {
		return fmt.Errorf("--owner is required")
	}
	return nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the background sync daemon with a metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sched := scheduler.New(a.engine, &scheduler.Config{
				Interval:   a.cfg.Sync.Interval,
				RunTimeout: 5 * time.Minute,
			})
			sched.RegisterOwner(flagOwner)
			sched.Start(ctx)
			defer sched.Stop()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprintln(w, `{"status":"ok"}`)
			})

			server := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				server.Shutdown(shutdownCtx)
			}()

			logging.Info("shopsync daemon started", map[string]interface{}{
				"owner_id": flagOwner,
				"metrics":  a.cfg.Metrics.Listen,
			})

			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			summary, err := a.engine.TriggerSync(cmd.Context(), flagOwner)
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the tenant's queue snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			counts, err := a.engine.Counts(cmd.Context(), flagOwner)
			if err != nil {
				return err
			}
			return printJSON(counts)
		},
	}
}

func auditCmd() *cobra.Command {
	var fromSeq, toSeq int64

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Replay the audit hash chain and report the first break",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.engine.VerifyAudit(cmd.Context(), flagOwner, fromSeq, toSeq)
			if err != nil {
				return err
			}
			if err := printJSON(result); err != nil {
				return err
			}
			if !result.OK {
				return fmt.Errorf("audit chain broken at seq %d", result.FirstBrokenSeq)
			}
			return nil
		},
	}
	verify.Flags().Int64Var(&fromSeq, "from", 1, "first sequence number to verify")
	verify.Flags().Int64Var(&toSeq, "to", 0, "last sequence number to verify (0 = chain head)")

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit chain operations",
	}
	cmd.AddCommand(verify)
	return cmd
}

func dlqCmd() *cobra.Command {
	var limit int
	var notes string

	list := &cobra.Command{
		Use:   "list",
		Short: "List unresolved dead-letter entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			entries, err := a.engine.ListDeadLetters(cmd.Context(), flagOwner, true, limit)
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum entries to list")

	resurrect := &cobra.Command{
		Use:   "resurrect <entry-id>",
		Short: "Re-queue a dead-lettered operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			op, err := a.engine.ResurrectDeadLetter(cmd.Context(), flagOwner, models.UUID(args[0]), notes)
			if err != nil {
				return err
			}
			return printJSON(op)
		},
	}
	resurrect.Flags().StringVar(&notes, "notes", "resurrected via cli", "resolution notes")

	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Dead-letter queue operations",
	}
	cmd.AddCommand(list, resurrect)
	return cmd
}

func conflictsCmd() *cobra.Command {
	var limit int
	var all bool

	list := &cobra.Command{
		Use:   "list",
		Short: "List conflict records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			recs, err := a.engine.ListConflicts(cmd.Context(), flagOwner, !all, limit)
			if err != nil {
				return err
			}
			return printJSON(recs)
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum records to list")
	list.Flags().BoolVar(&all, "all", false, "include resolved records")

	requeue := &cobra.Command{
		Use:   "requeue <operation-id>",
		Short: "Move a FAILED operation back to PENDING",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.engine.RequeueFailed(cmd.Context(), flagOwner, models.UUID(args[0])); err != nil {
				return err
			}
			fmt.Println("requeued", args[0])
			return nil
		},
	}

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Conflict record operations",
	}
	cmd.AddCommand(list, requeue)
	return cmd
}
