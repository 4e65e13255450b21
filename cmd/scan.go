package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/halcyonsec/shadowmap/api/schemas"
	"github.com/halcyonsec/shadowmap/internal/aiverify"
	"github.com/halcyonsec/shadowmap/internal/config"
	"github.com/halcyonsec/shadowmap/internal/discovery"
	"github.com/halcyonsec/shadowmap/internal/issues"
	"github.com/halcyonsec/shadowmap/internal/netclient"
	"github.com/halcyonsec/shadowmap/internal/observability"
	"github.com/halcyonsec/shadowmap/internal/orchestrator"
	"github.com/halcyonsec/shadowmap/internal/services"
	"github.com/halcyonsec/shadowmap/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// newScanCmd creates and configures the `scan` command.
func newScanCmd() *cobra.Command {
	scanCmd := &cobra.Command{
		Use:   "scan [target]",
		Short: "Runs a full API surface scan against the target URL",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind override flags to their viper keys so the usual
			// flag > env > file > default precedence applies.
			for flag, key := range map[string]string{
				"concurrency":  "scanner.concurrency",
				"max-js-files": "scanner.max_js_files",
				"max-apis":     "scanner.max_apis",
				"timeout":      "scanner.timeout",
				"rate":         "scanner.probe_rate_limit",
				"insecure":     "network.ignore_tls_errors",
			} {
				if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}

			scanCfg := cfg.ScanConfig()
			scanCfg.UseAI, _ = cmd.Flags().GetBool("ai")
			if off, _ := cmd.Flags().GetBool("no-auth-check"); off {
				scanCfg.EnableUnauthorizedCheck = false
			}
			if off, _ := cmd.Flags().GetBool("no-sensitive-check"); off {
				scanCfg.EnableSensitiveInfoCheck = false
			}
			if off, _ := cmd.Flags().GetBool("no-service-detection"); off {
				scanCfg.EnableMicroserviceDetection = false
			}

			target := args[0]
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				name = target
			}

			components, err := initializeScanComponents(ctx, cfg, scanCfg.UseAI, logger)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize scan components: %w", err)
			}
			defer components.Shutdown()

			task, err := components.Orchestrator.CreateTask(ctx, name, target, scanCfg)
			if err != nil {
				return err
			}

			logger.Info("Starting scan",
				zap.String("task_id", task.ID),
				zap.String("target", target),
				zap.Int("concurrency", scanCfg.Concurrency),
				zap.Bool("ai", scanCfg.UseAI))

			runErr := components.Orchestrator.Run(ctx, task.ID)
			switch {
			case runErr == nil:
			case errors.Is(runErr, context.Canceled):
				logger.Warn("Scan cancelled, reporting partial results", zap.String("task_id", task.ID))
			default:
				return runErr
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			reportCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return writeScanReport(reportCtx, cmd.OutOrStdout(), components.Store, task.ID, jsonOut)
		},
	}

	scanCmd.Flags().String("name", "", "Human readable name for the scan task. Defaults to the target URL.")
	scanCmd.Flags().Bool("json", false, "Emit the full scan report as JSON instead of a summary.")
	scanCmd.Flags().Bool("ai", false, "Corroborate findings with the configured AI model (requires SHADOWMAP_AI_API_KEY).")

	scanCmd.Flags().Bool("no-auth-check", false, "Skip the unauthorized access checks.")
	scanCmd.Flags().Bool("no-sensitive-check", false, "Skip the sensitive data leak checks.")
	scanCmd.Flags().Bool("no-service-detection", false, "Skip microservice clustering.")

	scanCmd.Flags().IntP("concurrency", "j", 0, "Worker pool size for fetching and probing. (Overrides config/env)")
	scanCmd.Flags().Int("max-js-files", 0, "Maximum JS assets fetched from the target page. (Overrides config/env)")
	scanCmd.Flags().Int("max-apis", 0, "Maximum candidate endpoints probed. (Overrides config/env)")
	scanCmd.Flags().Int("timeout", 0, "Per-request timeout in seconds. (Overrides config/env)")
	scanCmd.Flags().Float64("rate", 0, "Probe rate limit in requests per second. (Overrides config/env)")
	scanCmd.Flags().Bool("insecure", false, "Ignore TLS certificate errors on the target.")

	return scanCmd
}

// scanComponents holds the wired pipeline services.
type scanComponents struct {
	Store        schemas.Store
	Orchestrator *orchestrator.Orchestrator
	Verifier     schemas.Verifier
	DBPool       *pgxpool.Pool
}

// Shutdown releases everything that owns a connection.
func (sc *scanComponents) Shutdown() {
	if sc.Verifier != nil {
		if err := sc.Verifier.Close(); err != nil {
			observability.GetLogger().Warn("Error closing verifier", zap.Error(err))
		}
	}
	if sc.DBPool != nil {
		sc.DBPool.Close()
	}
}

// initializeScanComponents handles dependency injection. With no database URL
// configured the scan runs against the in-memory store and the results live
// only as long as the printed report.
func initializeScanComponents(ctx context.Context, cfg *config.Config, useAI bool, logger *zap.Logger) (*scanComponents, error) {
	components := &scanComponents{}

	if cfg.Database.URL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		components.DBPool = dbPool

		pg, err := store.NewPostgres(ctx, dbPool, logger)
		if err != nil {
			return components, fmt.Errorf("failed to initialize database store: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			return components, fmt.Errorf("failed to apply schema: %w", err)
		}
		components.Store = pg
	} else {
		logger.Info("No database configured, using in-memory store")
		components.Store = store.NewInMemory()
	}

	clientCfg := netclient.NewDefaultClientConfig()
	clientCfg.RequestTimeout = time.Duration(cfg.Scanner.Timeout) * time.Second
	if cfg.Network.DialTimeout > 0 {
		clientCfg.DialTimeout = cfg.Network.DialTimeout
	}
	if cfg.Network.MaxBodySize > 0 {
		clientCfg.MaxBodySize = cfg.Network.MaxBodySize
	}
	if cfg.Network.UserAgent != "" {
		clientCfg.UserAgent = cfg.Network.UserAgent
	}
	clientCfg.IgnoreTLSErrors = cfg.Network.IgnoreTLSErrors
	clientCfg.Logger = logger
	fetcher := netclient.New(clientCfg)

	if useAI {
		verifier, err := aiverify.NewGeminiVerifier(cfg.AI, logger)
		if err != nil {
			return components, fmt.Errorf("failed to initialize AI verifier: %w", err)
		}
		components.Verifier = verifier
	}

	components.Orchestrator = orchestrator.New(orchestrator.Options{
		Store:      components.Store,
		Harvester:  discovery.NewHarvester(fetcher, logger),
		Discoverer: discovery.NewDiscoverer(fetcher, cfg.Scanner.ProbeRateLimit, logger),
		Classifier: services.NewClassifier(logger),
		Engine:     issues.NewEngine(logger),
		Verifier:   components.Verifier,
		Logger:     logger,
	})
	return components, nil
}

// scanReport is the JSON envelope emitted with --json.
type scanReport struct {
	Task      *schemas.ScanTask           `json:"task"`
	Endpoints []*schemas.APIEndpoint      `json:"endpoints"`
	Services  []*schemas.MicroserviceInfo `json:"services"`
	Issues    []*schemas.APISecurityIssue `json:"issues"`
}

func writeScanReport(ctx context.Context, w io.Writer, st schemas.Store, taskID string, asJSON bool) error {
	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}
	endpoints, err := st.ListEndpoints(ctx, taskID, "")
	if err != nil {
		return fmt.Errorf("loading endpoints: %w", err)
	}
	clusters, err := st.ListServices(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading services: %w", err)
	}
	found, err := st.ListIssues(ctx, taskID, schemas.IssueFilter{})
	if err != nil {
		return fmt.Errorf("loading issues: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(scanReport{Task: task, Endpoints: endpoints, Services: clusters, Issues: found})
	}

	fmt.Fprintf(w, "\nScan %s (%s)\n", task.ID, task.Status)
	fmt.Fprintf(w, "Target:     %s\n", task.TargetURL)
	fmt.Fprintf(w, "Duration:   %.1fs\n", task.DurationSeconds)
	fmt.Fprintf(w, "JS files:   %d\n", task.TotalJSFiles)
	fmt.Fprintf(w, "Endpoints:  %d\n", task.TotalAPIs)
	fmt.Fprintf(w, "Services:   %d\n", task.TotalServices)
	fmt.Fprintf(w, "Issues:     %d\n", task.TotalIssues)
	if task.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:      %s\n", task.ErrorMessage)
	}

	if len(clusters) > 0 {
		fmt.Fprintf(w, "\nServices:\n")
		for _, svc := range clusters {
			marker := " "
			if svc.Vulnerable {
				marker = "!"
			}
			fmt.Fprintf(w, "  %s %-30s %3d endpoints  %v\n", marker, svc.ServiceFullPath, svc.EndpointCount, svc.Technologies)
		}
	}

	if len(found) > 0 {
		fmt.Fprintf(w, "\nIssues:\n")
		for _, issue := range found {
			verified := ""
			if issue.AIVerified {
				verified = " (ai-verified)"
			}
			fmt.Fprintf(w, "  [%s] %s %s%s\n", issue.Severity, issue.IssueType, issue.APIPath, verified)
			fmt.Fprintf(w, "      %s\n", issue.Title)
		}
	}
	return nil
}
