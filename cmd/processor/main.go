package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/config"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/dispatcher"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/gate"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/intake"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/monitor"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/periodic"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/processor"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/queue"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/repository"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/sender"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/sweeper"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/transport"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/pg"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/prom"
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
	if _, err := logger.Setup(cfg.LogOptions("processor")); err != nil {
		logger.Error("failed to set up logger", "error", err)
	}
	logger.Info("starting processor", "version", cfg.AppVersion, "build", version, "commit", commit, "date", date)

	db, err := pg.CreateReadWrite(cfg.ReadDB(), cfg.WriteDB(), cfg.DBDebug)
	if err != nil {
		logger.Error("failed connecting to database", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{cfg.RedisAddr},
		ClientName: cfg.AppName + "-processor",
		DB:         cfg.RedisDatabase,
		Username:   cfg.RedisUsername,
		Password:   cfg.RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}
	go func() {
		if err := prom.ListenAndServe(cfg.MetricsAddr, cfg.MetricsURI); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx := context.Background()
	consumer := cfg.QueueConsumerName
	if consumer == "" {
		consumer = hostname
	}
	q, err := queue.NewQueue(ctx, redisAdap, queue.Config{
		Prefix:            cfg.QueuePrefix,
		ConsumerGroup:     cfg.QueueConsumerGroup,
		ConsumerName:      consumer,
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

	t := newTransport(cfg)
	deviceGate := gate.New(t, deviceRepo, cfg.DeviceStatusTTL)
	send := sender.NewSender(messageRepo, deviceGate, t, sender.NewLimiter(cfg.TransportRatePerSec), sender.RetryPolicy{
		MaxAttempts: cfg.SendMaxAttempts,
		BaseDelay:   cfg.SendBackoffBase,
		MaxDelay:    cfg.SendBackoffMax,
	})

	mon := monitor.New(jobRepo, messageRepo, monitor.Config{
		Interval:          cfg.MonitorInterval,
		MaxTicks:          cfg.MonitorMaxTicks,
		Deadline:          cfg.MonitorDeadline,
		ProcessingTimeout: cfg.ProcessingTimeout,
	})
	disp := dispatcher.New(q, jobRepo, mon, dispatcher.Config{
		BatchSize:    cfg.DispatchBatchSize,
		BatchPause:   cfg.DispatchBatchPause,
		MonitorDelay: cfg.MonitorInitialDelay,
	})
	in := intake.New(jobRepo, messageRepo, db, disp, intake.DefaultBatchSize)

	var archiver sweeper.Archiver
	if cfg.ArchiveS3Bucket != "" {
		a, err := sweeper.NewS3Archiver(ctx, sweeper.S3Config{
			Bucket:    cfg.ArchiveS3Bucket,
			Prefix:    cfg.ArchiveS3Prefix,
			Region:    cfg.ArchiveS3Region,
			Endpoint:  cfg.ArchiveS3Endpoint,
			AccessKey: cfg.ArchiveS3AccessKey,
			SecretKey: cfg.ArchiveS3SecretKey,
		})
		if err != nil {
			logger.Error("failed to create s3 archiver", "error", err)
			return
		}
		archiver = a
	}
	sweep := sweeper.New(jobRepo, archiver, sweeper.Config{
		UploadRoot: cfg.UploadDir,
		Retention:  cfg.SweepRetention,
	})

	service := processor.NewProcessorService(redisAdap, q, processor.Config{
		Concurrency:  cfg.WorkerConcurrency,
		HardTimeout:  cfg.TaskHardTimeout,
		SoftTimeout:  cfg.TaskSoftTimeout,
		PollInterval: cfg.QueuePollInterval,
	})
	lock := processor.NewSendLock(redisAdap, processor.DefaultSendLockConfig())
	service.RegisterProcessor(processor.NewSendMessageProcessor(send, jobRepo, messageRepo, lock))
	service.RegisterProcessor(processor.NewIngestFileProcessor(in, jobRepo))
	service.RegisterProcessor(processor.NewCheckDeviceProcessor(deviceGate))
	service.RegisterProcessor(processor.NewSweepProcessor(sweep))

	triggers, err := periodic.New(q, periodic.Config{
		DeviceCheckSpec: cfg.DeviceCheckSpec,
		SweepSpec:       cfg.SweepSpec,
	})
	if err != nil {
		logger.Error("invalid periodic schedule", "error", err)
		return
	}

	if err := service.Start(); err != nil {
		logger.Error("failed to start processor", "error", err)
		return
	}
	if err := triggers.Start(); err != nil {
		logger.Error("failed to start periodic triggers", "error", err)
		return
	}
	if n, err := mon.Resume(ctx); err != nil {
		logger.Error("failed to resume job monitors", "error", err)
	} else {
		logger.Info("resumed job monitors", "jobs", n)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	triggers.Stop(stopCtx)
	service.Stop()
	mon.Stop()
	logger.Sync()
}

func newTransport(cfg *config.Config) transport.Transport {
	if cfg.TransportKind == config.TransportHTTP {
		logger.Info("using http relay transport", "url", cfg.RelayURL)
		return transport.NewHTTPRelay(transport.RelayConfig{URL: cfg.RelayURL, Timeout: cfg.RelayTimeout})
	}
	logger.Info("using adb transport", "path", cfg.AdbPath, "serial", cfg.AdbSerial)
	return transport.NewADB(transport.ADBConfig{
		Path:           cfg.AdbPath,
		Serial:         cfg.AdbSerial,
		CommandTimeout: cfg.AdbCommandTimeout,
	})
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
