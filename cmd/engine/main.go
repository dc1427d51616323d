// Command engine is the flywheel engine's single long-running process: it
// loads config, opens the store, builds the Chain/Custody/AMM clients, and
// launches every scheduler plus the webhook and admin HTTP servers behind
// one shared shutdown context.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nullseed/flywheel-engine/internal/admin"
	"github.com/nullseed/flywheel-engine/internal/amm"
	"github.com/nullseed/flywheel-engine/internal/chain"
	"github.com/nullseed/flywheel-engine/internal/claim"
	"github.com/nullseed/flywheel-engine/internal/config"
	"github.com/nullseed/flywheel-engine/internal/custody"
	"github.com/nullseed/flywheel-engine/internal/deposit"
	"github.com/nullseed/flywheel-engine/internal/flywheel"
	"github.com/nullseed/flywheel-engine/internal/health"
	"github.com/nullseed/flywheel-engine/internal/market"
	"github.com/nullseed/flywheel-engine/internal/notify"
	"github.com/nullseed/flywheel-engine/internal/platformloop"
	"github.com/nullseed/flywheel-engine/internal/reactive"
	"github.com/nullseed/flywheel-engine/internal/store"
	"github.com/nullseed/flywheel-engine/internal/txexec"
	"github.com/nullseed/flywheel-engine/internal/webhook"
)

func main() {
	setupLogger()
	log.Info().Msg("flywheel engine starting...")

	configPath := "config/config.yaml"
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		configPath = p
	}
	cfgMgr, err := config.NewManager(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg := cfgMgr.Get()

	st, err := store.Open(cfg.Store.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	rpc := chain.NewRPCClient(cfg.Chain.RPCURL, cfg.Chain.FallbackURL, cfgMgr.GetChainAPIKey())
	blockhashes := chain.NewBlockhashCache(rpc, 5*time.Second, 60*time.Second)
	custodyClient := custody.NewClient(cfg.Custody.BaseURL, cfgMgr.GetCustodyToken())
	ammClient := amm.NewClient(cfg.AMM.BaseURL, cfgMgr.GetAMMAPIKeys())
	executor := txexec.NewExecutor(rpc, custodyClient, blockhashes)
	marketEngine := market.NewEngine(ammClient)
	var notifier notify.Notifier = notify.NopNotifier{}
	if webhookURL := cfgMgr.GetNotifyWebhookURL(); webhookURL != "" {
		notifier = notify.NewWebhookNotifier(webhookURL)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	platformOpsAddr := ""
	if opsWallet, err := chain.NewWallet(cfgMgr.GetPlatformOpsPrivateKey()); err != nil {
		log.Warn().Err(err).Msg("platform ops wallet not configured, platform fee cut disabled")
	} else {
		platformOpsAddr = opsWallet.Address()
	}

	flywheelCfg := flywheel.Config{
		TickInterval:        time.Duration(cfg.Flywheel.IntervalMin) * time.Minute,
		MaxTradesPerTick:    cfg.Flywheel.MaxTradesPerMinute,
		InterTokenDelay:     time.Duration(cfg.Flywheel.InterTokenDelayMs) * time.Millisecond,
		DevWalletMinReserve: cfg.Flywheel.DevWalletMinReserve,
		MinFeeThreshold:     cfg.Flywheel.MinFeeThresholdSOL,
		PlatformFeePct:      cfg.Flywheel.PlatformFeePercent,
		SmartModeCooldown:   time.Duration(cfg.Flywheel.SmartModeCooldownMs) * time.Millisecond,
		PlatformOpsWallet:   platformOpsAddr,
	}
	flywheelScheduler := flywheel.NewScheduler(st, rpc, ammClient, executor, marketEngine, notifier, flywheelCfg)

	claimCfg := claim.Config{
		FastInterval:      time.Duration(cfg.Claim.FastIntervalSec) * time.Second,
		FastThreshold:     cfg.Claim.FastThresholdSOL,
		SlowInterval:      time.Duration(cfg.Claim.SlowIntervalMin) * time.Minute,
		SlowMaxTokens:     cfg.Claim.SlowMaxTokens,
		ReserveSOL:        cfg.Claim.ReserveSOL,
		PlatformFeePct:    cfg.Claim.PlatformFeePercent,
		PlatformOpsWallet: platformOpsAddr,
	}
	claimScheduler := claim.NewScheduler(st, rpc, ammClient, executor, claimCfg)

	depositCfg := deposit.Config{
		PollInterval:   time.Duration(cfg.Deposit.PollIntervalSec) * time.Second,
		MaxRetries:     cfg.Deposit.MaxLaunchRetries,
		RentReserveSOL: cfg.Deposit.RentReserveSOL,
	}
	depositWatcher := deposit.NewWatcher(st, rpc, ammClient, custodyClient, executor, notifier, depositCfg)

	reactiveEngine := reactive.NewEngine(st, flywheelScheduler)
	if err := reactiveEngine.RefreshCache(rootCtx); err != nil {
		log.Warn().Err(err).Msg("initial reactive cache refresh failed")
	}

	platformCfg := platformloop.Config{
		Mint:             cfg.Platform.TokenMint,
		DevPrivateKeyB58: cfgMgr.GetPlatformDevPrivateKey(),
		OpsPrivateKeyB58: cfgMgr.GetPlatformOpsPrivateKey(),
		TickInterval:     time.Duration(cfg.Platform.TickIntervalSec) * time.Second,
		ClaimInterval:    time.Duration(cfg.Platform.ClaimIntervalMin) * time.Minute,
		ReserveSOL:       cfg.Platform.ReserveSOL,
		MinBuySOL:        cfg.Platform.MinBuySOL,
		MaxBuySOL:        cfg.Platform.MaxBuySOL,
		SlippageBps:      cfg.Platform.SlippageBps,
	}
	platformLoop, err := platformloop.NewLoop(rootCtx, st, rpc, ammClient, executor, platformCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start platform loop")
	}

	if err := blockhashes.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to prime blockhash cache")
	}
	flywheelScheduler.Start(rootCtx)
	claimScheduler.Start(rootCtx)
	depositWatcher.Start(rootCtx)
	reactiveEngine.StartCacheRefresh(rootCtx)
	platformLoop.Start(rootCtx)

	checker := health.NewChecker(10 * time.Second)
	checker.Register("chain", func(ctx context.Context) error {
		_, err := rpc.GetLatestBlockhash(ctx, "finalized")
		return err
	})
	checker.Register("custody", httpPingProbe(cfg.Custody.BaseURL+"/health"))
	checker.Register("amm", httpPingProbe(cfg.AMM.BaseURL+"/health"))
	checker.Start(rootCtx)

	webhookCfg := webhook.Config{
		Host:         cfg.Webhook.Host,
		Port:         cfg.Webhook.Port,
		SharedSecret: cfgMgr.GetWebhookSharedSecret(),
		BearerToken:  cfgMgr.GetWebhookBearerToken(),
	}
	webhookServer := webhook.NewServer(webhookCfg, reactiveEngine)
	go func() {
		if err := webhookServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("webhook server failed")
		}
	}()

	adminSchedulers := map[string]admin.SchedulerHandle{
		"flywheel":       admin.FlywheelHandle{Scheduler: flywheelScheduler},
		"fast_claim":     admin.ClaimFastHandle{Scheduler: claimScheduler},
		"slow_claim":     admin.ClaimSlowHandle{Scheduler: claimScheduler},
		"platform_token": admin.PlatformLoopHandle{Loop: platformLoop},
	}
	adminServer := admin.NewServer(rootCtx, st, adminSchedulers, cfgMgr.GetAdminVerifyPubkey())
	go func() {
		if err := adminServer.Start(admin.Config{Host: cfg.Admin.Host, Port: cfg.Admin.Port}); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("admin server failed")
		}
	}()

	log.Info().
		Str("webhook_addr", cfg.Webhook.Host).
		Int("webhook_port", cfg.Webhook.Port).
		Int("admin_port", cfg.Admin.Port).
		Msg("engine running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")
	cancel()

	webhookServer.Shutdown()
	adminServer.Shutdown()
	checker.Stop()
	platformLoop.Stop()
	reactiveEngine.Stop()
	depositWatcher.Stop()
	claimScheduler.Stop()
	flywheelScheduler.Stop()
	blockhashes.Stop()

	log.Info().Msg("goodbye")
}

// httpPingProbe builds a health.Prober that GETs url and treats any non-2xx
// status or transport error as unhealthy.
func httpPingProbe(url string) health.Prober {
	client := &http.Client{Timeout: 3 * time.Second}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return errStatus(resp.StatusCode)
		}
		return nil
	}
}

type errStatus int

func (e errStatus) Error() string {
	return "unhealthy status code"
}

func setupLogger() {
	log.Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
	).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
