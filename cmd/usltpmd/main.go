// Command usltpmd runs the universal stop-loss/take-profit manager as a
// standalone process: it wires the registry, persistence store, rule
// resolver, trailing engine, safeguard layer, and monitoring loop, then
// serves health and metrics endpoints until signaled to stop.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/BenignMalice/usltpm/internal/config"
	"github.com/BenignMalice/usltpm/internal/marketfake"
	"github.com/BenignMalice/usltpm/internal/marketservice"
	"github.com/BenignMalice/usltpm/internal/monitor"
	"github.com/BenignMalice/usltpm/internal/recovery"
	"github.com/BenignMalice/usltpm/internal/registration"
	"github.com/BenignMalice/usltpm/internal/registry"
	"github.com/BenignMalice/usltpm/internal/rules"
	"github.com/BenignMalice/usltpm/internal/safeguard"
	"github.com/BenignMalice/usltpm/internal/stall"
	"github.com/BenignMalice/usltpm/internal/store"
	"github.com/BenignMalice/usltpm/internal/trailing"
)

func main() {
	var rulesPath, storePath string
	var dryRun bool
	flag.StringVar(&rulesPath, "rules", "", "path to universal_sl_tp_rules.yaml (overrides USLTPM_RULES_PATH)")
	flag.StringVar(&storePath, "store", "", "path to the sqlite persistence file (overrides USLTPM_STORE_PATH)")
	flag.BoolVar(&dryRun, "dry-run", false, "log proposed stop-loss modifications instead of calling MarketService.ModifyStop")
	flag.Parse()

	cfg := config.FromEnv()
	if rulesPath != "" {
		cfg.RulesPath = rulesPath
	}
	if storePath != "" {
		cfg.StorePath = storePath
	}
	if dryRun {
		cfg.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	ruleDoc, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load rule document, falling back to built-in default")
		ruleDoc = &rules.Document{}
	}

	st, err := store.Open(cfg.StorePath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open persistence store")
	}
	defer st.Close()

	reg := registry.New()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// A production deployment wires a real MarketService implementation
	// here (MetaTrader bridge, broker API client, etc). This process
	// ships with only the in-memory fake because the concrete broker
	// integration is outside this module's scope (spec.md §1 Non-goals).
	// -dry-run does not change which MarketService is wired; it makes
	// safeguard.Commit withhold the ModifyStop call regardless.
	fakeMarket := marketfake.New()
	defenseMgr := marketfake.NewDefensiveManager()
	gapSource := marketfake.NewGapSource()

	recoveryCoord := recovery.New(reg, fakeMarket, st, ruleDoc, log)
	if err := recoveryCoord.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("recovery aborted, refusing to start monitoring loop")
	}

	regHook := registration.New(reg, st, ruleDoc, log)

	safe := safeguard.New(reg, fakeMarket, defenseMgr, log)
	safe.DryRun = cfg.DryRun
	trailEngine := trailing.NewEngine(log)
	stallDetector := stall.New()

	monCfg := monitor.DefaultConfig()
	monCfg.CronSpec = cfg.CronSpec
	monCfg.WorkerPoolSize = cfg.WorkerPoolSize
	monCfg.CallTimeout = cfg.CallTimeout
	monCfg.MicroTimeframe = cfg.MicroTimeframe
	monCfg.StructureCandleLimit = cfg.StructureCandleLimit
	monCfg.MicroCandleLimit = cfg.MicroCandleLimit
	monCfg.ATRPeriod = cfg.ATRPeriod

	loop, err := monitor.New(monCfg, log, reg, fakeMarket, st, safe, trailEngine, stallDetector)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build monitoring loop")
	}
	if err := loop.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start monitoring loop")
	}

	gapCron := cron.New()
	if _, err := gapCron.AddFunc(cfg.CronSpec, func() {
		err := registration.PollGapPlans(ctx, gapSource, func(plan marketservice.GapPlan) {
			log.Info().
				Str("plan_id", plan.PlanID).
				Str("symbol", plan.Symbol).
				Str("direction", string(plan.Direction)).
				Msg("pending CME-gap plan awaiting execution")
		})
		if err != nil {
			log.Warn().Err(err).Msg("gap plan poll failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule gap plan poll")
	}
	gapCron.Start()
	defer func() { <-gapCron.Stop().Done() }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !fakeMarket.Ready(r.Context()) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("market service not ready\n"))
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/register", registerHandler(regHook))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: mux}
	go func() {
		log.Info().Int("port", cfg.MetricsPort).Msg("serving health and metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
}

// registerHandler is the RegistrationHook's HTTP surface: the
// auto-execution layer POSTs a newly opened position here and gets back
// whether this core took ownership of it.
func registerHandler(hook *registration.Hook) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req registration.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(fmt.Sprintf("invalid request body: %v\n", err)))
			return
		}

		state, managed := hook.Register(r.Context(), req)
		w.Header().Set("Content-Type", "application/json")
		if !managed {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]bool{"managed": false})
			return
		}
		_ = json.NewEncoder(w).Encode(struct {
			Managed bool              `json:"managed"`
			Trade   *registeredSummary `json:"trade"`
		}{
			Managed: true,
			Trade: &registeredSummary{
				Ticket:       state.Ticket,
				StrategyType: string(state.StrategyType),
				Session:      string(state.Session),
				PlanID:       state.PlanID,
			},
		})
	}
}

type registeredSummary struct {
	Ticket       int64   `json:"ticket"`
	StrategyType string  `json:"strategy_type"`
	Session      string  `json:"session"`
	PlanID       *string `json:"plan_id,omitempty"`
}
