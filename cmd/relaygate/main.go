package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/ineris/relaygate"
	"github.com/ineris/relaygate/httpgate"
	"github.com/ineris/relaygate/meter"
	"github.com/ineris/relaygate/notify"
	"github.com/ineris/relaygate/store"
	"github.com/ineris/relaygate/store/gormstore"
	redisstore "github.com/ineris/relaygate/store/redis"
	"github.com/ineris/relaygate/strategy"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("RELAYGATE_CONFIG", "config.yaml"), "path to config file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := relaygate.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("database_url is required")
	}

	db, err := gormstore.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	if err := db.EnsureBootstrapAdmin(os.Getenv("RELAYGATE_ADMIN_USER"), os.Getenv("RELAYGATE_ADMIN_PASSWORD")); err != nil {
		log.Fatalf("bootstrap admin: %v", err)
	}

	var ledger relaygate.LedgerStore
	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		ledger = redisstore.New(client)
		log.Infof("ledger: redis at %s", cfg.RedisAddr)
	} else {
		ledger = store.NewMemory()
		log.Warn("ledger: in-memory, counters will not survive restarts")
	}

	registry := prometheus.NewRegistry()
	promMeter := meter.NewPromMeter(registry)

	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	debugFlag := relaygate.NewFlagCache(func(ctx context.Context) (bool, error) {
		return os.Getenv("RELAYGATE_DEBUG") == "true", nil
	}, 30*time.Second, slogger)
	debugFlag.Start(context.Background())
	defer debugFlag.Stop()

	resolver := relaygate.NewIdentityResolver(db, db,
		relaygate.WithDebugFlag(debugFlag),
		relaygate.WithResolverLogger(slogger),
	)

	controller := relaygate.NewAdmissionController(ledger,
		relaygate.WithClientSignatures(cfg.Clients),
		relaygate.WithWarnThreshold(cfg.CostWarningThreshold),
		relaygate.WithAdmissionMeter(promMeter),
		relaygate.WithAdmissionLogger(slogger),
	)

	pool := relaygate.NewAccountPool(
		relaygate.WithNotifier(notify.NewLogNotifier(log)),
		relaygate.WithDefaultCooldown(cfg.RateLimitCooldown()),
	)
	if err := seedPool(pool, cfg, db, log); err != nil {
		log.Fatalf("seed account pool: %v", err)
	}

	scheduler, err := relaygate.NewScheduler(pool, ledger, strategy.Default(),
		relaygate.WithDefaultStrategy(cfg.DefaultStrategy),
		relaygate.WithAffinityTTL(cfg.AffinityTTL()),
		relaygate.WithSchedulerMeter(promMeter),
		relaygate.WithSchedulerLogger(slogger),
	)
	if err != nil {
		log.Fatalf("build scheduler: %v", err)
	}

	dispatcher := relaygate.NewDispatcher(scheduler, pool, ledger,
		httpgate.NewPassthroughCaller(10*time.Minute),
		relaygate.WithDispatcherMeter(promMeter),
		relaygate.WithDispatcherLogger(slogger),
	)

	r := httpgate.NewRouter(httpgate.Gateway{
		Resolver:   resolver,
		Controller: controller,
		Dispatcher: dispatcher,
		Gatherer:   registry,
	})

	log.Infof("relaygate listening on %s", cfg.ListenAddr)
	if err := fasthttp.ListenAndServe(cfg.ListenAddr, r.Handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// seedPool loads groups and accounts from config first, then overlays the
// database-managed ones.
func seedPool(pool *relaygate.AccountPool, cfg relaygate.Config, db *gormstore.Store, log *logrus.Logger) error {
	for _, gc := range cfg.Groups {
		if err := pool.AddGroup(&relaygate.AccountGroup{
			ID:              gc.ID,
			Name:            gc.Name,
			Platform:        gc.Platform,
			Strategy:        gc.Strategy,
			Weight:          gc.Weight,
			SequentialOrder: gc.SequentialOrder,
		}); err != nil {
			return err
		}
	}
	for _, ac := range cfg.Accounts {
		if err := pool.Add(ac.Account()); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	groups, err := db.LoadGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := pool.AddGroup(g); err != nil {
			return err
		}
	}

	accounts, err := db.LoadAccounts(ctx)
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		if err := pool.Add(acc); err != nil {
			return err
		}
	}

	log.Infof("account pool seeded: %d config + %d database accounts", len(cfg.Accounts), len(accounts))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
