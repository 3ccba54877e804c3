package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	httpapi "github.com/cloudwx/weather-collector/internal/api/http"
	"github.com/cloudwx/weather-collector/internal/config"
	"github.com/cloudwx/weather-collector/internal/pipeline"
	"github.com/cloudwx/weather-collector/internal/retry"
	"github.com/cloudwx/weather-collector/internal/scheduler"
	"github.com/cloudwx/weather-collector/internal/storage"
	"github.com/cloudwx/weather-collector/internal/weather"
	"github.com/cloudwx/weather-collector/internal/weather/providers"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}

	daemon := flag.Bool("daemon", false, "Run continuously on a schedule with a status endpoint")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	collector, err := buildCollector(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to initialize collector: %v", err)
	}

	if *daemon {
		runDaemon(cfg, collector)
		return
	}
	os.Exit(runOnce(cfg, collector))
}

// buildCollector constructs the provider chain, the publisher and the pipeline
// from explicit configuration, and bootstraps the bucket (and KMS key when
// managed keys are enabled).
func buildCollector(ctx context.Context, cfg *config.AppConfig) (*pipeline.Collector, error) {
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	var provs []weather.Provider
	primary := providers.NewOpenWeatherProvider(httpClient, cfg.OpenWeatherAPIKey)
	if cfg.RateLimitRPS > 0 {
		provs = append(provs, providers.NewRateLimitedProvider(primary, cfg.RateLimitRPS, 3))
	} else {
		provs = append(provs, primary)
	}
	if cfg.WeatherAPIKey != "" {
		provs = append(provs, providers.NewWeatherAPIProvider(httpClient, cfg.WeatherAPIKey))
	}

	awsOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		awsOpts = append(awsOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, err
	}

	publisher := storage.NewPublisher(s3.NewFromConfig(awsCfg), kms.NewFromConfig(awsCfg), storage.Config{
		Bucket:    cfg.BucketName,
		Region:    cfg.Region,
		KMSKeyID:  cfg.KMSKeyID,
		Immutable: cfg.Immutable,
	})

	setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if cfg.KMSManaged {
		if err := publisher.EnsureKey(setupCtx); err != nil {
			return nil, err
		}
	}
	if err := publisher.EnsureBucket(setupCtx); err != nil {
		return nil, err
	}

	policy := retry.Policy{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.RetryInitial,
		MaxInterval:     cfg.RetryMax,
	}
	return pipeline.NewCollector(provs, publisher, policy), nil
}

// runOnce collects every configured location sequentially and returns the
// process exit code. A failed location produces a line naming the stage and
// error kind; any failure makes the run non-zero.
func runOnce(cfg *config.AppConfig, collector *pipeline.Collector) int {
	failed := 0
	for _, loc := range cfg.Locations {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout(cfg))
		key, err := collector.Collect(ctx, loc)
		cancel()

		if err != nil {
			log.Printf("collect failed for %s at stage %s (%s): %v", loc, weather.Stage(err), weather.Kind(err), err)
			failed++
			continue
		}
		log.Printf("collected %s -> %s", loc, key)
	}
	if failed > 0 {
		log.Printf("%d of %d locations failed", failed, len(cfg.Locations))
		return 1
	}
	return 0
}

func runDaemon(cfg *config.AppConfig, collector *pipeline.Collector) {
	tracker := scheduler.NewTracker()
	sched := scheduler.New(cfg.Locations, cfg.FetchInterval, runTimeout(cfg), collector, tracker)
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               "weather-collector",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "weather-collector",
		})
	})

	httpapi.RegisterRoutes(app, tracker)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("fiber server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
}

// runTimeout bounds one collection run: worst case is every retry at the
// capped interval on both stages plus the outbound calls themselves.
func runTimeout(cfg *config.AppConfig) time.Duration {
	t := 2*cfg.HTTPTimeout + 2*time.Duration(cfg.MaxRetries)*cfg.RetryMax
	if t < 30*time.Second {
		t = 30 * time.Second
	}
	return t
}
