package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/config"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/dispatcher"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/handlers"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/queue"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/repository"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/services"
	xhttp "github.com/nimasrn/bulk-sms-orchestrator/pkg/http"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/pg"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	if _, err := logger.Setup(cfg.LogOptions("api")); err != nil {
		logger.Error("failed to set up logger", "error", err)
	}
	logger.Info("starting api", "version", cfg.AppVersion, "build", version, "commit", commit, "date", date)

	opts := xhttp.DefaultServerOption
	opts.Name = cfg.AppName
	opts.MaxRequestBodySize = cfg.UploadMaxBytes + 64*1024
	s := xhttp.NewServer(opts)
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.TimeoutMiddleware(cfg.HttpRequestTimeout))
	s.Use(xhttp.APIKeyMiddleware(cfg.APIKeys(), handlers.APIPrefix+"/health"))

	db, err := pg.CreateReadWrite(cfg.ReadDB(), cfg.WriteDB(), cfg.DBDebug)
	if err != nil {
		logger.Error("failed connecting to database", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{cfg.RedisAddr},
		ClientName: cfg.AppName + "-api",
		DB:         cfg.RedisDatabase,
		Username:   cfg.RedisUsername,
		Password:   cfg.RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	ctx := context.Background()
	q, err := queue.NewQueue(ctx, redisAdap, queue.Config{
		Prefix:            cfg.QueuePrefix,
		ConsumerGroup:     cfg.QueueConsumerGroup,
		ConsumerName:      cfg.QueueConsumerName,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		MaxDeliveries:     cfg.QueueMaxDeliveries,
		MaxLen:            cfg.QueueMaxLen,
		EnableDLQ:         cfg.QueueEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating queue", "error", err)
		return
	}

	messageRepo := repository.NewMessageRepository(db)
	jobRepo := repository.NewJobRepository(db)
	deviceRepo := repository.NewDeviceStatusRepository(db)

	// single sends only need the priority-lane half of the dispatcher
	disp := dispatcher.New(q, jobRepo, nil, dispatcher.Config{})

	// services
	messageService := services.NewMessageService(messageRepo, disp)
	jobService := services.NewJobService(jobRepo, q, cfg.UploadDir, int64(cfg.UploadMaxBytes))
	deviceService := services.NewDeviceService(deviceRepo, q, cfg.DeviceStatusTTL)
	statsService := services.NewStatsService(messageRepo, jobRepo, deviceRepo)
	healthService := services.NewHealthService(cfg.AppVersion, map[string]services.Pinger{
		"database": db,
		"redis":    redisAdap,
	})

	// v1 handlers
	g := s.Router.Group(handlers.APIPrefix)
	handlers.RegisterHealthRoutes(g, handlers.NewHealthHandler(healthService))
	handlers.RegisterMessageRoutes(g, handlers.NewMessageHandler(messageService))
	handlers.RegisterJobRoutes(g, handlers.NewJobHandler(jobService))
	handlers.RegisterDeviceRoutes(g, handlers.NewDeviceHandler(deviceService, statsService))

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := s.ListenAndServe(cfg.HttpListenAddr); err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	<-c
	s.Shutdown()
	logger.Sync()
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Stat(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
