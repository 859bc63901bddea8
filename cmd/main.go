package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/Kayzwer/codeflash/internal/admission"
	"github.com/Kayzwer/codeflash/internal/concurrency"
	"github.com/Kayzwer/codeflash/internal/config"
	"github.com/Kayzwer/codeflash/internal/dispatcher"
	"github.com/Kayzwer/codeflash/internal/executor"
	"github.com/Kayzwer/codeflash/internal/github"
	"github.com/Kayzwer/codeflash/internal/policy"
	"github.com/Kayzwer/codeflash/internal/taskstore"
	"github.com/Kayzwer/codeflash/internal/trust"
	"github.com/Kayzwer/codeflash/internal/web"
	"github.com/Kayzwer/codeflash/internal/webhook"
)

var (
	loadDotEnv    = godotenv.Load
	newTaskStore  = taskstore.NewStore
	newDispatcher = dispatcher.New
	newWebHandler = web.NewHandler
	// newClients returns the GitHub client source; tests point it at a fake.
	newClients = func(auth *github.AppAuth) github.ClientSource { return auth }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], listenAndServe(ctx)); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// listenAndServe serves until ctx is done, then drains in-flight requests.
func listenAndServe(ctx context.Context) func(string, http.Handler) error {
	return func(addr string, h http.Handler) error {
		srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
		stopWatch := context.AfterFunc(ctx, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP shutdown: %v", err)
			}
		})
		defer stopWatch()

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func run(ctx context.Context, args []string, serve func(string, http.Handler) error) error {
	// Load .env file (ignore error if file doesn't exist)
	_ = loadDotEnv()

	flags := pflag.NewFlagSet("flashgate", pflag.ContinueOnError)
	policyPath := flags.String("policy", "", "policy file (overrides POLICY_FILE)")
	port := flags.Int("port", 0, "listen port (overrides PORT)")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *policyPath != "" {
		cfg.PolicyFile = *policyPath
	}
	if *port > 0 {
		cfg.Port = *port
	}

	pol, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	pol.ApplyRetry(cfg)

	log.Printf("Starting flashgate...")
	log.Printf("Port: %d", cfg.Port)
	log.Printf("Trigger keyword: %s", cfg.TriggerKeyword)
	log.Printf("GitHub App ID: %s", cfg.GitHubAppID)
	log.Printf("Policy: %s (%d allowlisted, sensitive %v, grace %s)", cfg.PolicyFile, len(pol.Allowlist), pol.SensitivePaths, pol.GracePeriod)
	log.Printf("Dispatcher workers: %d, queue size: %d, max attempts: %d", cfg.DispatcherWorkers, cfg.DispatcherQueueSize, cfg.DispatcherMaxAttempts)

	// Initialize GitHub App authentication
	appAuth := &github.AppAuth{
		AppID:      cfg.GitHubAppID,
		PrivateKey: cfg.GitHubPrivateKey,
		APIBase:    cfg.GitHubAPIURL,
	}
	clients := newClients(appAuth)

	// Admission pipeline
	tiers, err := pol.Tiers()
	if err != nil {
		return fmt.Errorf("failed to load allowlist: %w", err)
	}
	seedMaintainers(ctx, clients, cfg.SeedMaintainerRepos, tiers)
	pipeline := admission.New(
		trust.NewClassifier(trust.NewAllowlist(tiers)),
		policy.NewGate(pol.Namespace()),
	)

	// Serialization slots and the run ledger
	coord := concurrency.NewManager(concurrency.Config{GracePeriod: pol.GracePeriod})
	defer coord.Close()
	runs := newTaskStore()

	// Initialize dispatcher (run queue with retries)
	runner := &executor.CommandRunner{
		Command:    cfg.RunnerCommand,
		Dir:        cfg.RunnerDir,
		TrustedEnv: cfg.RunnerTrustedEnv,
		Timeout:    cfg.RunnerTimeout,
	}
	publisher := github.NewPublisher(clients, cfg.BotLogin)
	dispatcherConfig := dispatcher.Config{
		Workers:           cfg.DispatcherWorkers,
		QueueSize:         cfg.DispatcherQueueSize,
		MaxAttempts:       cfg.DispatcherMaxAttempts,
		InitialBackoff:    cfg.DispatcherRetryInitial,
		BackoffMultiplier: cfg.DispatcherBackoffMultiplier,
		MaxBackoff:        cfg.DispatcherRetryMax,
	}
	runDispatcher := newDispatcher(dispatcher.Deps{
		Runner:      runner,
		Coordinator: coord,
		Credentials: installationCredentials(appAuth),
		Reporter:    &dispatcher.CommentReporter{Publisher: publisher},
		Runs:        runs,
	}, dispatcherConfig)
	defer runDispatcher.Shutdown(context.Background())

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweepLoop(sweepCtx, coord, runs, pol.SlotRetention)

	// Initialize webhook handler
	handler := webhook.NewHandler(cfg.GitHubWebhookSecret, cfg.TriggerKeyword, cfg.BotLogin, webhook.Deps{
		Pipeline:   pipeline,
		Fetcher:    github.NewFetcher(clients),
		Dispatcher: runDispatcher,
		Publisher:  publisher,
		Runs:       runs,
	})

	// Setup router
	r := mux.NewRouter()

	// Webhook endpoint
	r.HandleFunc("/webhook", handler.Handle).Methods("POST")

	// Diagnostics
	newWebHandler(runs, coord).RegisterRoutes(r)

	// Health check endpoint
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	// Root endpoint with info
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"service":"flashgate","status":"running","trigger":%q}`, cfg.TriggerKeyword)
	}).Methods("GET")

	// Start server
	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("Server listening on %s", addr)
	log.Printf("Webhook endpoint: http://localhost%s/webhook", addr)
	log.Printf("Health check: http://localhost%s/health", addr)
	log.Printf("Runs: http://localhost%s/runs", addr)

	if err := serve(addr, r); err != nil {
		return fmt.Errorf("server failed to start: %w", err)
	}

	return nil
}

// seedMaintainers adds admin/maintain collaborators of repos to tiers.
// Explicit allowlist entries win. A failed lookup only logs: seeding can
// add trust, never remove it.
func seedMaintainers(ctx context.Context, clients github.ClientSource, repos []string, tiers map[string]trust.Tier) {
	for _, repo := range repos {
		logins, err := github.MaintainerLogins(ctx, clients, repo)
		if err != nil {
			log.Printf("Warning: could not seed maintainers from %s: %v", repo, err)
			continue
		}
		added := 0
		for _, login := range logins {
			if _, ok := lookupFold(tiers, login); ok {
				continue
			}
			tiers[login] = trust.Maintainer
			added++
		}
		log.Printf("Seeded %d maintainer(s) from %s", added, repo)
	}
}

func lookupFold(tiers map[string]trust.Tier, login string) (trust.Tier, bool) {
	for l, tier := range tiers {
		if strings.EqualFold(l, login) {
			return tier, true
		}
	}
	return trust.Untrusted, false
}

// installationCredentials issues the installation token as the trusted
// credential scope. Retryable API failures surface as transient.
func installationCredentials(auth github.AuthProvider) dispatcher.CredentialFunc {
	return func(ctx context.Context, repo string) (*executor.Credential, error) {
		token, err := auth.GetInstallationToken(ctx, repo)
		if err != nil {
			if github.IsRetryableError(err) {
				return nil, executor.Transient(err)
			}
			return nil, fmt.Errorf("installation token for %s: %w", repo, err)
		}
		return &executor.Credential{Token: token.Token, ExpiresAt: token.ExpiresAt}, nil
	}
}

// sweepLoop retires idle slots and old ledger entries.
func sweepLoop(ctx context.Context, coord *concurrency.Manager, runs *taskstore.Store, retention time.Duration) {
	interval := retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slots := coord.Sweep(retention)
			pruned := runs.Prune(time.Now().Add(-retention))
			if slots > 0 || pruned > 0 {
				log.Printf("[Sweep] Retired %d idle slot(s), pruned %d run(s)", slots, pruned)
			}
		}
	}
}
