package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alisalti1992/sitescope-backend/config"
	"github.com/alisalti1992/sitescope-backend/internal/aws_s3"
	"github.com/alisalti1992/sitescope-backend/internal/broker"
	cacheClient "github.com/alisalti1992/sitescope-backend/internal/cache"
	"github.com/alisalti1992/sitescope-backend/internal/linkgraph"
	"github.com/alisalti1992/sitescope-backend/internal/model"
	"github.com/alisalti1992/sitescope-backend/internal/notifier"
	"github.com/alisalti1992/sitescope-backend/internal/persistence"
	"github.com/alisalti1992/sitescope-backend/internal/render"
	"github.com/alisalti1992/sitescope-backend/internal/robots"
	"github.com/alisalti1992/sitescope-backend/internal/sitemap"
	"github.com/alisalti1992/sitescope-backend/internal/worker"
	"github.com/go-sql-driver/mysql"
	"github.com/lmittmann/tint"
)

var (
	cfg   *config.Config
	log   *slog.Logger
	db    *sql.DB
	s3    aws_s3.BucketClient
	cache cacheClient.CachedClient
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg = config.MustLoad()
	log = setupLogger()
	db = setupDatabase()
	defer closeDatabase()
	s3 = aws_s3.NewS3BucketClient(cfg.S3Settings, log)
	cache = cacheClient.NewMemcachedClient(cfg.CacheSettings, log)
	defer cache.Close()

	jobRepo := persistence.NewJobRepository(db, cfg.CrawlerSettings, log)
	pageRepo := persistence.NewPageRepository(db, cfg.CrawlerSettings, log)
	linkRepo := persistence.NewLinkRepository(db, cfg.CrawlerSettings, log)
	sitemapRepo := persistence.NewSitemapRepository(db, cfg.CrawlerSettings, log)
	log.Info("starting application on port "+cfg.Port, slog.String("env", cfg.Env))

	eventChan := make(chan *model.CrawlCompletedEvent, 10)

	kafkaWg := &sync.WaitGroup{}
	kafkaWg.Add(1)
	go broker.NewKafkaProducer(kafkaWg, eventChan, log, cfg.KafkaSettings.Producer)

	workerWg := &sync.WaitGroup{}
	crawlWorker := &worker.CrawlWorker{
		Cfg:       cfg,
		Log:       log,
		Jobs:      jobRepo,
		Pages:     pageRepo,
		Links:     linkRepo,
		Sitemaps:  sitemapRepo,
		Robots:    robots.NewEngine(cfg.CrawlerSettings, cfg.UserAgent, cache, log),
		Discovery: sitemap.NewEngine(cfg.CrawlerSettings, cfg.UserAgent, log),
		Graph:     linkgraph.NewService(pageRepo, linkRepo, log),
		Engine:    render.NewChromeEngine(cfg.CrawlerSettings, cfg.UserAgent, log),
		S3:        s3,
		Notifier:  notifier.NewHTTPClient(cfg.NotifierSettings, log),
		EventChan: eventChan,
		Wg:        workerWg,
	}
	workerWg.Add(1)
	go crawlWorker.Run(ctx)

	// Graceful shutdown.
	// 1. Cancel the context by system call. The worker finishes the tick it is on.
	// 2. Close eventChan once the worker is done.
	// 3. Wait till the producer drains eventChan and writes to kafka.
	// 4. Close database and memcached connections.
	<-ctx.Done()
	log.Info("stopping server...")
	workerWg.Wait()
	close(eventChan)
	log.Info("close eventChan.")
	kafkaWg.Wait()
}

func setupLogger() *slog.Logger {
	resolvedLogLevel := func() slog.Level {
		envLogLevel := strings.ToLower(cfg.LogLevel)
		switch envLogLevel {
		case "info":
			return slog.LevelInfo
		case "error":
			return slog.LevelError
		default:
			return slog.LevelDebug
		}
	}

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.LogType) == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs,
			NoColor:     false}))
	}

	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return logger
}

func setupDatabase() *sql.DB {
	log.Info("connecting to the database...")
	sqlCfg := mysql.Config{
		User:                 cfg.DbSettings.User,
		Passwd:               cfg.DbSettings.Password,
		Net:                  "tcp",
		Addr:                 fmt.Sprintf("%s:%s", cfg.DbSettings.Host, cfg.DbSettings.Port),
		DBName:               cfg.DbSettings.Name,
		AllowNativePasswords: true,
		ParseTime:            true,
	}
	database, err := sql.Open("mysql", sqlCfg.FormatDSN())
	if err != nil {
		log.Error("failed to establish database connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	database.SetConnMaxLifetime(cfg.DbSettings.ConnMaxLifetime)
	database.SetMaxOpenConns(cfg.DbSettings.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DbSettings.MaxIdleConns)

	maxRetry := 6
	for i := 1; i <= maxRetry; i++ {
		log.Info("ping the database.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingErr := database.Ping()
		if pingErr != nil {
			log.Error("not responding.", slog.String("err", pingErr.Error()))
			if i == maxRetry {
				log.Error("failed to establish database connection.")
				os.Exit(1)
			}
			log.Info(fmt.Sprintf("wait %d seconds", 5*i))
			time.Sleep(time.Duration(5*i) * time.Second)
		} else {
			break
		}
	}
	log.Info("connected to the database!")

	return database
}

func closeDatabase() {
	log.Info("closing database connection.")
	err := db.Close()
	if err != nil {
		log.Error("failed to close database connection.", slog.String("err", err.Error()))
	}
}
