// Command supervisord is the workload-management daemon: it runs the
// long-lived bridge/janitor/reconciler daemon, or serves as the one-shot
// entrypoint for a sandbox boot (supervise) or a single build-pipeline
// invocation (build-worker, reconcile).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openinspect/supervisord/internal/auth"
	"github.com/openinspect/supervisord/internal/bridge"
	"github.com/openinspect/supervisord/internal/buildpipeline"
	"github.com/openinspect/supervisord/internal/config"
	"github.com/openinspect/supervisord/internal/daemon"
	"github.com/openinspect/supervisord/internal/githubapp"
	"github.com/openinspect/supervisord/internal/provider"
	"github.com/openinspect/supervisord/internal/secretref"
	"github.com/openinspect/supervisord/internal/state"
	"github.com/openinspect/supervisord/internal/supervisor"
)

var (
	cfgFile string
	logger  *slog.Logger
)

func main() {
	logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := newRootCmd().Execute(); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "supervisord",
		Short: "Sandbox-side runtime and image-build pipeline daemon",
	}

	defaultCfgPath := func() string {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".openinspect", "supervisord.yaml")
	}()
	root.PersistentFlags().StringVar(&cfgFile, "config", defaultCfgPath, "path to config file")

	root.AddCommand(newRunCmd(), newSuperviseCmd(), newBuildWorkerCmd(), newReconcileCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	vp := viper.New()
	vp.AutomaticEnv()
	_ = vp.BindEnv("control_plane_url", "CONTROL_PLANE_URL")
	_ = vp.BindEnv("provider_address", "PROVIDER_ADDRESS")
	_ = vp.BindEnv("auth_secret_ref", "AUTH_SECRET_REF")

	if url := vp.GetString("control_plane_url"); url != "" {
		cfg.ControlPlane.URL = url
	}
	if addr := vp.GetString("provider_address"); addr != "" {
		cfg.Provider.Address = addr
	}
	if ref := vp.GetString("auth_secret_ref"); ref != "" {
		cfg.Auth.SecretRef = ref
	}

	if cfg.HostID == "" {
		cfg.HostID = uuid.NewString()[:8]
		_ = config.Save(cfgFile, cfg)
	}

	return cfg, nil
}

// newAuthCtx resolves the HMAC secret, optionally backed by GCP Secret
// Manager when AuthConfig.SecretRef is set.
func newAuthCtx(ctx context.Context, cfg *config.Config) (*auth.Context, error) {
	var fetcher auth.SecretFetcher
	if cfg.Auth.SecretRef != "" {
		projectID := os.Getenv("GCP_PROJECT_ID")
		if gcpFetcher, err := secretref.NewGCPFetcher(ctx, projectID); err == nil {
			fetcher = gcpFetcher
		} else {
			logger.Warn("secret manager client unavailable, falling back to env secret", "error", err)
		}
	}
	return auth.NewContext(ctx, "", cfg.Auth.SecretRef, fetcher)
}

// newGitHubAppClient builds the installation-token client used by the
// build pipeline; returns nil if the GitHub App isn't configured, which
// callers treat as "always mint empty clone tokens".
func newGitHubAppClient(cfg *config.Config) *githubapp.InstallationTokenClient {
	if cfg.GitHubApp.AppID == "" || cfg.GitHubApp.InstallationID == "" || cfg.GitHubApp.PrivateKeyPath == "" {
		return nil
	}

	keyPEM, err := os.ReadFile(cfg.GitHubApp.PrivateKeyPath)
	if err != nil {
		logger.Warn("github app private key unreadable, build pipeline will clone unauthenticated", "error", err)
		return nil
	}

	gen, err := githubapp.NewJWTGenerator(cfg.GitHubApp.AppID, keyPEM)
	if err != nil {
		logger.Warn("github app jwt generator init failed", "error", err)
		return nil
	}

	return &githubapp.InstallationTokenClient{
		Generator:      gen,
		InstallationID: cfg.GitHubApp.InstallationID,
	}
}

// newRunCmd is the long-lived daemon: auth, provider adapter, local
// state, the janitor TTL sweep, and the in-process build-image
// reconciler ticker.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the supervisord daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Info("supervisord starting", "host_id", cfg.HostID, "config", cfgFile)

			st, err := state.NewStore(cfg.State.DBPath)
			if err != nil {
				return fmt.Errorf("open state store: %w", err)
			}
			defer st.Close()

			imgStore, err := provider.NewStore(cfg.Provider.ImageBaseDir, logger)
			if err != nil {
				return fmt.Errorf("open image cache: %w", err)
			}
			images, _ := imgStore.ListNames()
			logger.Info("image cache ready", "base_dir", imgStore.BaseDir(), "images", len(images))

			grpcProvider, err := provider.DialGRPCProvider(ctx, cfg.Provider.Address, cfg.Provider.Insecure)
			if err != nil {
				return fmt.Errorf("dial sandbox provider: %w", err)
			}
			defer grpcProvider.Close()

			authCtx, err := newAuthCtx(ctx, cfg)
			if err != nil {
				return fmt.Errorf("resolve auth secret: %w", err)
			}

			destroyFn := func(ctx context.Context, sandboxID string) error {
				sb, err := st.GetSandbox(ctx, sandboxID)
				if err != nil {
					return err
				}
				return grpcProvider.Destroy(ctx, sb.ProviderHandle)
			}
			jan := daemon.NewJanitor(st, destroyFn, cfg.Janitor.DefaultTTL, logger)
			go jan.Start(ctx, cfg.Janitor.Interval)

			ghApp := newGitHubAppClient(cfg)

			reconciler := &buildpipeline.Reconciler{
				ControlPlaneURL: cfg.ControlPlane.URL,
				AuthCtx:         authCtx,
				LsRemoteTimeout: cfg.Reconciler.LsRemoteTimeout,
				StaleAfter:      cfg.Reconciler.StaleAfter,
				CleanupAfter:    cfg.Reconciler.CleanupAfter,
				Logger:          logger,
			}
			if ghApp != nil {
				reconciler.MintVCSToken = ghApp.MintCloneToken
			}
			go reconciler.Start(ctx, cfg.Reconciler.Interval)

			logger.Info("supervisord ready", "host_id", cfg.HostID, "control_plane", cfg.ControlPlane.URL)
			<-ctx.Done()
			logger.Info("supervisord shutting down")
			return nil
		},
	}
}

// defaultAgentBaseURL is where the in-sandbox coding-agent process serves
// its SSE prompt endpoint; the agent's own startup is out of scope (§1
// non-goal), so this is simply where the bridge looks for it.
const defaultAgentBaseURL = "http://localhost:8000"

// newSuperviseCmd is the C4 entrypoint: run once per sandbox boot. It wires
// the C3 bridge's StartBridge hook using the sandbox's own environment
// (SANDBOX_AUTH_TOKEN, SANDBOX_ID, CONTROL_PLANE_URL); agent startup
// itself is left a no-op, since the coding agent's own process lifecycle
// is out of scope.
func newSuperviseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supervise",
		Short: "Run the in-sandbox boot supervisor once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			sup := supervisor.NewFromEnv(logger)

			authCtx, err := auth.NewContext(ctx, os.Getenv("SANDBOX_AUTH_TOKEN"), "", nil)
			if err != nil {
				logger.Warn("sandbox auth context unavailable, bridge will run unauthenticated", "error", err)
			}

			agentBaseURL := os.Getenv("AGENT_BASE_URL")
			if agentBaseURL == "" {
				agentBaseURL = defaultAgentBaseURL
			}

			br := bridge.New(bridge.Config{
				SandboxID:       sup.SandboxID,
				SessionID:       uuid.NewString(),
				ControlPlaneURL: os.Getenv("CONTROL_PLANE_URL"),
				AuthCtx:         authCtx,
				AgentClient:     &bridge.HTTPAgentClient{BaseURL: agentBaseURL},
				Logger:          logger,
			})
			sup.StartBridge = func(ctx context.Context) error { return br.Run(ctx) }

			return sup.Run(ctx)
		},
	}
}

// newBuildWorkerCmd is the C5 one-shot worker invocation, used by the
// control plane's build API handler or a job queue.
func newBuildWorkerCmd() *cobra.Command {
	var repoOwner, repoName, defaultBranch, callbackURL, buildID string

	cmd := &cobra.Command{
		Use:   "build-worker",
		Short: "Run one image build to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := state.NewStore(cfg.State.DBPath)
			if err != nil {
				return fmt.Errorf("open state store: %w", err)
			}
			defer st.Close()

			grpcProvider, err := provider.DialGRPCProvider(ctx, cfg.Provider.Address, cfg.Provider.Insecure)
			if err != nil {
				return fmt.Errorf("dial sandbox provider: %w", err)
			}
			defer grpcProvider.Close()

			adapter := &provider.Adapter{Provider: grpcProvider, Store: st, Logger: logger}

			authCtx, err := newAuthCtx(ctx, cfg)
			if err != nil {
				return fmt.Errorf("resolve auth secret: %w", err)
			}

			worker := &buildpipeline.Worker{
				CreateBuildSandbox: func(ctx context.Context, owner, name, branch, token string) (buildpipeline.BuildSandbox, error) {
					return adapter.CreateBuildSandbox(ctx, owner, name, branch, token)
				},
				CallbackAllowlist: cfg.ControlPlane.CallbackAllowlist,
				AuthCtx:           authCtx,
				Logger:            logger,
			}
			if ghApp := newGitHubAppClient(cfg); ghApp != nil {
				worker.MintCloneToken = ghApp.MintCloneToken
			}

			worker.BuildRepoImage(ctx, buildpipeline.BuildRequest{
				RepoOwner:     repoOwner,
				RepoName:      repoName,
				DefaultBranch: defaultBranch,
				CallbackURL:   callbackURL,
				BuildID:       buildID,
			})
			return nil
		},
	}

	cmd.Flags().StringVar(&repoOwner, "repo-owner", "", "repository owner")
	cmd.Flags().StringVar(&repoName, "repo-name", "", "repository name")
	cmd.Flags().StringVar(&defaultBranch, "default-branch", "main", "branch to clone and build")
	cmd.Flags().StringVar(&callbackURL, "callback-url", "", "control-plane callback URL")
	cmd.Flags().StringVar(&buildID, "build-id", "", "control-plane build identifier")
	_ = cmd.MarkFlagRequired("repo-owner")
	_ = cmd.MarkFlagRequired("repo-name")

	return cmd
}

// newReconcileCmd runs a single reconciler tick, for cron-style external
// scheduling as an alternative to the in-process ticker.
func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one image-build reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			authCtx, err := newAuthCtx(ctx, cfg)
			if err != nil {
				return fmt.Errorf("resolve auth secret: %w", err)
			}

			reconciler := &buildpipeline.Reconciler{
				ControlPlaneURL: cfg.ControlPlane.URL,
				AuthCtx:         authCtx,
				LsRemoteTimeout: cfg.Reconciler.LsRemoteTimeout,
				StaleAfter:      cfg.Reconciler.StaleAfter,
				CleanupAfter:    cfg.Reconciler.CleanupAfter,
				Logger:          logger,
			}
			if ghApp := newGitHubAppClient(cfg); ghApp != nil {
				reconciler.MintVCSToken = ghApp.MintCloneToken
			}

			reconciler.Tick(ctx)
			return nil
		},
	}
}
