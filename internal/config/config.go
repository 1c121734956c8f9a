package config

import (
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/pg"
	"github.com/pkg/errors"
)

const (
	TransportADB  = "adb"
	TransportHTTP = "http"
)

// Config holds every tunable of the api and processor binaries. Only this
// struct is read for configuration; no package reads the environment directly.
type Config struct {
	AppEnv     string `env:"APP_ENV,default=dev"`
	AppName    string `env:"APP_NAME,default=bulk_sms_orchestrator"`
	AppVersion string `env:"APP_VERSION,default=0.2.0"`
	AppDebug   bool   `env:"APP_DEBUG,default=false"`
	LogLevel   string `env:"LOG_LEVEL,default=info"`

	HttpListenAddr     string        `env:"HTTP_LISTEN_ADDR,default=:8080" validate:"required"`
	HttpRequestTimeout time.Duration `env:"HTTP_REQUEST_TIMEOUT,default=30s"`
	ApiKeys            string        `env:"API_KEYS"`
	UploadDir          string        `env:"UPLOAD_DIR,default=/tmp/sms-uploads" validate:"required"`
	UploadMaxBytes     int           `env:"UPLOAD_MAX_BYTES,default=8388608" validate:"gt=0"`

	DBDriver     string `env:"DB_DRIVER,default=postgres" validate:"oneof=postgres sqlite"`
	DBSqlitePath string `env:"DB_SQLITE_PATH,default=sms.db"`
	DBDebug      bool   `env:"DB_DEBUG,default=false"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT,default=5432"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT,default=5432"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	MigrationsDir string `env:"MIGRATIONS_DIR,default=migrations"`

	RedisAddr               string `env:"REDIS_ADDR,default=localhost:6379" validate:"required"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE,default=0"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX,default=sms:"`

	QueuePrefix            string        `env:"QUEUE_PREFIX,default=tasks"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP,default=workers"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT,default=6m"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL,default=200ms"`
	QueueMaxDeliveries     int64         `env:"QUEUE_MAX_DELIVERIES,default=3"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN,default=100000"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ,default=true"`

	WorkerConcurrency int           `env:"WORKER_CONCURRENCY,default=4" validate:"gte=2,lte=64"`
	TaskHardTimeout   time.Duration `env:"TASK_HARD_TIMEOUT,default=5m"`
	TaskSoftTimeout   time.Duration `env:"TASK_SOFT_TIMEOUT,default=4m"`

	SendMaxAttempts     int           `env:"SEND_MAX_ATTEMPTS,default=3" validate:"gte=1,lte=10"`
	SendBackoffBase     time.Duration `env:"SEND_BACKOFF_BASE,default=2s"`
	SendBackoffMax      time.Duration `env:"SEND_BACKOFF_MAX,default=1m"`
	TransportRatePerSec int           `env:"TRANSPORT_RATE_PER_SEC,default=1" validate:"gte=1"`

	TransportKind     string        `env:"TRANSPORT_KIND,default=adb" validate:"oneof=adb http"`
	AdbPath           string        `env:"ADB_PATH,default=adb"`
	AdbSerial         string        `env:"ADB_SERIAL"`
	AdbCommandTimeout time.Duration `env:"ADB_COMMAND_TIMEOUT,default=30s"`
	RelayURL          string        `env:"RELAY_URL,default=http://localhost:8090"`
	RelayTimeout      time.Duration `env:"RELAY_TIMEOUT,default=10s"`

	DeviceStatusTTL time.Duration `env:"DEVICE_STATUS_TTL,default=5m"`

	DispatchBatchSize   int           `env:"DISPATCH_BATCH_SIZE,default=100" validate:"gte=1"`
	DispatchBatchPause  time.Duration `env:"DISPATCH_BATCH_PAUSE,default=2s"`
	MonitorInitialDelay time.Duration `env:"MONITOR_INITIAL_DELAY,default=5s"`

	MonitorInterval   time.Duration `env:"MONITOR_INTERVAL,default=5s"`
	MonitorMaxTicks   int           `env:"MONITOR_MAX_TICKS,default=17280"`
	MonitorDeadline   time.Duration `env:"MONITOR_DEADLINE,default=24h"`
	ProcessingTimeout time.Duration `env:"PROCESSING_TIMEOUT,default=15m"`

	SweepRetention     time.Duration `env:"SWEEP_RETENTION,default=24h"`
	ArchiveS3Bucket    string        `env:"ARCHIVE_S3_BUCKET"`
	ArchiveS3Prefix    string        `env:"ARCHIVE_S3_PREFIX,default=bulk-uploads/"`
	ArchiveS3Region    string        `env:"ARCHIVE_S3_REGION,default=us-east-1"`
	ArchiveS3Endpoint  string        `env:"ARCHIVE_S3_ENDPOINT"`
	ArchiveS3AccessKey string        `env:"ARCHIVE_S3_ACCESS_KEY"`
	ArchiveS3SecretKey string        `env:"ARCHIVE_S3_SECRET_KEY"`

	DeviceCheckSpec string `env:"DEVICE_CHECK_SPEC,default=@every 1h"`
	SweepSpec       string `env:"SWEEP_SPEC,default=@daily"`

	PromNamespace string `env:"PROM_NAMESPACE,default=sms"`
	MetricsAddr   string `env:"METRICS_ADDR,default=:9090"`
	MetricsURI    string `env:"METRICS_URI,default=/metrics"`
}

// Load publishes the optional env file, then maps the environment onto a
// fresh Config and validates it.
func Load(path string) (*Config, error) {
	logger.Info("loading configs..", "path", path)
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, errors.Wrapf(err, "failed to load configuration file %s", path)
		}
	}

	c := &Config{}
	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return nil, errors.Wrap(err, "failed to map env variables to configuration")
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if c.TaskSoftTimeout >= c.TaskHardTimeout {
		return errors.New("invalid configuration: TASK_SOFT_TIMEOUT must be below TASK_HARD_TIMEOUT")
	}
	if c.QueueVisibilityTimeout <= c.TaskHardTimeout {
		return errors.New("invalid configuration: QUEUE_VISIBILITY_TIMEOUT must exceed TASK_HARD_TIMEOUT")
	}
	return nil
}

// LogOptions configures the process logger for this environment.
func (c *Config) LogOptions(component string) logger.Options {
	return logger.Options{
		Production: c.AppEnv == "production",
		Level:      c.LogLevel,
		Fields:     []any{"app", c.AppName, "component", component},
	}
}

// APIKeys returns the configured keys; an empty list disables auth.
func (c *Config) APIKeys() []string {
	var keys []string
	for _, k := range strings.Split(c.ApiKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func (c *Config) ReadDB() pg.Config {
	return pg.Config{
		Driver:   c.DBDriver,
		Host:     c.PostgresReadHost,
		Port:     c.PostgresReadPort,
		User:     c.PostgresReadUser,
		Password: c.PostgresReadPassword,
		Database: c.PostgresReadDatabase,
		Path:     c.DBSqlitePath,
	}
}

func (c *Config) WriteDB() pg.Config {
	return pg.Config{
		Driver:   c.DBDriver,
		Host:     c.PostgresWriteHost,
		Port:     c.PostgresWritePort,
		User:     c.PostgresWriteUser,
		Password: c.PostgresWritePassword,
		Database: c.PostgresWriteDatabase,
		Path:     c.DBSqlitePath,
	}
}
