package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	billinghttp "github.com/coachhq/billing/modules/billing"
	"github.com/coachhq/billing/pkg/billing"
	"github.com/coachhq/billing/pkg/config"
	"github.com/coachhq/billing/pkg/email"
	"github.com/coachhq/billing/pkg/httpserver"
	"github.com/coachhq/billing/pkg/logger"
	"github.com/coachhq/billing/pkg/pg"
	"github.com/coachhq/billing/pkg/redis"
)

type appConfig struct {
	Environment   string `env:"ENVIRONMENT" envDefault:"development"`
	AppName       string `env:"APP_NAME" envDefault:"billing"`
	CatalogPath   string `env:"BILLING_CATALOG_PATH" envDefault:"prices.yaml"`
	OperatorEmail string `env:"BILLING_OPERATOR_EMAIL,required"`
	EmailDir      string `env:"DEV_EMAIL_DIR" envDefault:"./tmp/emails"`
}

func main() {
	_ = config.LoadEnv(".env")

	var (
		appCfg    appConfig
		pgCfg     pg.Config
		redisCfg  redis.Config
		httpCfg   httpserver.Config
		emailCfg  email.Config
		stripeCfg billing.StripeConfig
	)
	config.MustLoad(&appCfg)
	config.MustLoad(&pgCfg)
	config.MustLoad(&redisCfg)
	config.MustLoad(&httpCfg)
	config.MustLoad(&emailCfg)
	config.MustLoad(&stripeCfg)

	log := logger.New(logger.WithEnvironment(appCfg.Environment, appCfg.AppName))
	logger.SetAsDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		log.Error("failed to connect to postgres", logger.Error(err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		log.Error("failed to run migrations", logger.Error(err))
		os.Exit(1)
	}

	redisClient, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		log.Error("failed to connect to redis", logger.Error(err))
		os.Exit(1)
	}
	defer redisClient.Close()

	provider, err := billing.NewStripeProvider(stripeCfg)
	if err != nil {
		log.Error("failed to init stripe provider", logger.Error(err))
		os.Exit(1)
	}

	catalog, err := billing.NewYAMLSource(appCfg.CatalogPath).Load(ctx)
	if err != nil {
		log.Error("failed to load price catalog", logger.Error(err))
		os.Exit(1)
	}

	var sender email.EmailSender
	if appCfg.Environment == "production" {
		sender = email.MustNewPostmarkClient(emailCfg)
	} else {
		sender = email.NewDevSender(appCfg.EmailDir)
	}

	svc := billing.NewService(
		provider,
		billing.NewPostgresStore(pool),
		catalog,
		billing.WithDeduper(billing.NewRedisDeduper(redisClient)),
		billing.WithNotifier(billing.NewEmailNotifier(sender, appCfg.OperatorEmail)),
		billing.WithLogger(log),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health/live", httpserver.HealthCheckHandler(ctx, log))
	r.Get("/health/ready", httpserver.HealthCheckHandler(ctx, log,
		pg.Healthcheck(pool),
		redis.Healthcheck(redisClient),
	))
	r.Mount("/billing", billinghttp.Router(svc, log.With(slog.String("component", "billing"))))

	srv := httpserver.NewFromConfig(httpCfg, httpserver.WithLogger(log))
	if err := srv.Run(ctx, r); err != nil {
		log.Error("server stopped with error", logger.Error(err))
		os.Exit(1)
	}
}
