package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/config"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/intake"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/repository"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/transport"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/pg"
)

const usage = `usage: cli <command> [flags] [--env=path]

commands:
  migrate         apply pending migrations (--dir)
  status          print migration status (--dir)
  check           probe the configured transport
  send            send one message (--number, --message, --sim-id)
  bulk            send every row of a CSV file in order (--file, --sim-id, --delay)
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	cfg, err := config.Load(getEnvPath(args))
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	if _, err := logger.Setup(cfg.LogOptions("cli")); err != nil {
		logger.Error("failed to set up logger", "error", err)
	}

	cmd, rest := args[0], stripEnv(args[1:])
	switch cmd {
	case "migrate", "status":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		dir := fs.String("dir", cfg.MigrationsDir, "migrations directory")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		return migrate(cfg, cmd, *dir)
	case "check":
		return check(newTransport(cfg))
	case "send":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		number := fs.String("number", "", "recipient phone number")
		message := fs.String("message", "", "message content")
		simID := fs.Int("sim-id", model.DefaultChannelID, "SIM subscription id")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		return sendOne(newTransport(cfg), model.SingleSendRequest{Recipient: *number, Content: *message, ChannelID: *simID})
	case "bulk":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		file := fs.String("file", "messages.csv", "CSV file with phone_number and message columns")
		simID := fs.Int("sim-id", model.DefaultChannelID, "SIM subscription id")
		delay := fs.Float64("delay", intake.DefaultDelay, "seconds between messages")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		return bulk(newTransport(cfg), *file, *simID, *delay)
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
}

func migrate(cfg *config.Config, cmd, dir string) int {
	if cfg.DBDriver == pg.DriverSQLite {
		return migrateSQLite(cfg, cmd)
	}

	var err error
	if cmd == "status" {
		err = pg.MigrationStatus(cfg.WriteDB(), dir)
	} else {
		err = pg.Migrate(cfg.WriteDB(), dir)
	}
	if err != nil {
		logger.Error("migration: error running migrations", "error", err)
		return 1
	}
	return 0
}

// migrateSQLite shapes a sqlite database from the entities; the SQL files
// are written for postgres.
func migrateSQLite(cfg *config.Config, cmd string) int {
	if cmd == "status" {
		logger.Info("migration status is tracked for postgres only", "driver", cfg.DBDriver)
		return 0
	}
	db, err := pg.Create(cfg.WriteDB(), cfg.DBDebug)
	if err != nil {
		logger.Error("migration: failed opening database", "error", err)
		return 1
	}
	if err := pg.New(db, db).AutoMigrate(repository.Entities()...); err != nil {
		logger.Error("migration: error migrating sqlite schema", "error", err)
		return 1
	}
	logger.Info("sqlite schema migrated", "path", cfg.DBSqlitePath)
	return 0
}

func check(t transport.Transport) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p, err := t.Probe(ctx)
	if err != nil || !p.Connected {
		logger.Error("device not ready", "transport", t.Name(), "state", p.State, "error", err)
		return 1
	}
	logger.Info("device ready", "transport", t.Name(), "device_id", p.DeviceID)
	return 0
}

func sendOne(t transport.Transport, req model.SingleSendRequest) int {
	if err := req.Validate(); err != nil {
		logger.Error("invalid message", "error", err)
		return 1
	}
	if check(t) != 0 {
		return 1
	}
	ok, err := t.SendOne(context.Background(), req.Recipient, req.Content, req.ChannelID)
	if !ok {
		logger.Error("send failed", "recipient", req.Recipient, "error", err)
		return 1
	}
	logger.Info("sent", "recipient", req.Recipient)
	return 0
}

func bulk(t transport.Transport, path string, simID int, delay float64) int {
	f, err := os.Open(path)
	if err != nil {
		logger.Error("cannot open file", "path", path, "error", err)
		return 1
	}
	defer f.Close()

	rows, err := intake.ParseCSV(f)
	if err != nil {
		logger.Error("invalid CSV", "path", path, "error", err)
		return 1
	}
	req := intake.Request{Rows: rows, ChannelID: simID, Delay: delay, SourceFile: path}
	if err := req.Validate(); err != nil {
		logger.Error("invalid submission", "error", err)
		return 1
	}
	if check(t) != 0 {
		return 1
	}

	logger.Info("sending file", "path", path, "rows", len(rows), "sim_id", simID, "delay", delay)
	sent, failed := sendRows(context.Background(), t, req, sleep)
	logger.Info("completed", "sent", sent, "failed", failed)
	if failed > 0 {
		return 1
	}
	return 0
}

// sendRows sends each row once, pausing between consecutive sends.
func sendRows(ctx context.Context, t transport.Transport, req intake.Request, pause func(time.Duration)) (sent, failed int) {
	gap := time.Duration(req.Delay * float64(time.Second))
	for i, row := range req.Rows {
		ok, err := t.SendOne(ctx, row.Recipient, row.Content, req.ChannelID)
		if ok {
			sent++
		} else {
			failed++
			logger.Warn("send failed", "row", i+1, "recipient", row.Recipient, "error", err)
		}
		if i < len(req.Rows)-1 {
			pause(gap)
		}
	}
	return sent, failed
}

func sleep(d time.Duration) { time.Sleep(d) }

func newTransport(cfg *config.Config) transport.Transport {
	if cfg.TransportKind == config.TransportHTTP {
		return transport.NewHTTPRelay(transport.RelayConfig{URL: cfg.RelayURL, Timeout: cfg.RelayTimeout})
	}
	return transport.NewADB(transport.ADBConfig{
		Path:           cfg.AdbPath,
		Serial:         cfg.AdbSerial,
		CommandTimeout: cfg.AdbCommandTimeout,
	})
}

func getEnvPath(args []string) string {
	for _, v := range args {
		if strings.HasPrefix(v, "--env=") {
			p := strings.TrimPrefix(v, "--env=")
			if _, err := os.Stat(p); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return p
		}
	}
	return ""
}

func stripEnv(args []string) []string {
	out := args[:0:0]
	for _, v := range args {
		if !strings.HasPrefix(v, "--env=") {
			out = append(out, v)
		}
	}
	return out
}
