package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/dispatchd/pkg/admission"
	"github.com/cuemby/dispatchd/pkg/api"
	"github.com/cuemby/dispatchd/pkg/audit"
	"github.com/cuemby/dispatchd/pkg/callback"
	"github.com/cuemby/dispatchd/pkg/config"
	"github.com/cuemby/dispatchd/pkg/dispatcher"
	"github.com/cuemby/dispatchd/pkg/events"
	"github.com/cuemby/dispatchd/pkg/identity"
	"github.com/cuemby/dispatchd/pkg/log"
	"github.com/cuemby/dispatchd/pkg/reconciler"
	"github.com/cuemby/dispatchd/pkg/workspace"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: "dispatchd - signed task-dispatch worker orchestrator",
	Long: `dispatchd admits signed task submissions, provisions an isolated
git worktree per task, supervises a worker subprocess, guards its commits
against sensitive-file exfiltration, and delivers ordered, signed status
callbacks to the submitter.`,
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"dispatchd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	nonces := admission.NewNonceCache(cfg.NonceTTL)
	verifier := admission.NewVerifier(cfg.AdmissionSecret, cfg.ClockSkew, nonces)

	var source identity.Source
	if cfg.IdentityEndpoint != "" {
		source = identity.NewHTTPSource(cfg.IdentityEndpoint)
	} else {
		source = identity.StaticSource{Value: cfg.IdentityStatic}
	}
	idp := identity.NewProvider(source, cfg.IdentityRefresh)
	if _, err := idp.ForceRefresh(cmd.Context()); err != nil {
		return fmt.Errorf("identity: initial fetch failed: %w", err)
	}

	ws := workspace.NewManager(cfg.BaseRepoPath, cfg.WorkspaceRoot)

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	defer auditLog.Close()

	outbox := callback.NewOutbox(cfg.CallbackMaxAttempts, cfg.CallbackInitialDelay, cfg.CallbackMaxDelay).
		WithAudit(auditLog)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	d := dispatcher.New(dispatcher.Config{
		Capacity:             cfg.Capacity,
		WorkerBinary:         cfg.WorkerBinary,
		WorkerArgs:           cfg.WorkerArgs,
		TerminationGrace:     cfg.TerminationGrace,
		CallbackMaxAttempts:  cfg.CallbackMaxAttempts,
		CallbackInitialDelay: cfg.CallbackInitialDelay,
		CallbackMaxDelay:     cfg.CallbackMaxDelay,
	}, ws, idp, outbox, broker)

	recon := reconciler.New(nonces, ws, d, cfg.ReconcileInterval, cfg.NonceTTL)
	recon.Start()
	defer recon.Stop()

	server := api.New(d, verifier)
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Listen).Msg("listening")
		if err := server.Start(cfg.Listen); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	d.Drain()
	waitForDrain(d, 60*time.Second)

	logger.Info().Msg("shutdown complete")
	return nil
}

// waitForDrain polls until every task reaches a terminal state or budget
// elapses, giving in-flight callbacks a chance to be delivered before the
// process exits.
func waitForDrain(d *dispatcher.Dispatcher, budget time.Duration) {
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if len(d.LiveTaskIDs()) == 0 || time.Now().After(deadline) {
			return
		}
	}
}
