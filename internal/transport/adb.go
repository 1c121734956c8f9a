package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
)

const callingPackage = "com.android.mms.service"

// unavailableMarkers are adb stderr fragments meaning the device, not the
// message, is the problem.
var unavailableMarkers = []string{
	"no devices/emulators found",
	"device offline",
	"unauthorized",
	"not found",
	"cannot connect",
	"connection refused",
	"closed",
}

// Runner executes a command and returns its stdout and stderr.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

type ADBConfig struct {
	Path           string
	Serial         string
	CommandTimeout time.Duration
}

// ADB drives an Android phone through the adb binary.
type ADB struct {
	cfg ADBConfig
	run Runner
}

func NewADB(cfg ADBConfig) *ADB {
	return NewADBWithRunner(cfg, execRunner)
}

func NewADBWithRunner(cfg ADBConfig, run Runner) *ADB {
	if cfg.Path == "" {
		cfg.Path = "adb"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	return &ADB{cfg: cfg, run: run}
}

func (a *ADB) Name() string {
	return "adb"
}

func (a *ADB) Probe(ctx context.Context) (Probe, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CommandTimeout)
	defer cancel()

	stdout, stderr, err := a.run(ctx, a.cfg.Path, "devices")
	if err != nil {
		return Probe{State: "unknown"}, fmt.Errorf("%w: adb devices: %v: %s", ErrUnavailable, err, strings.TrimSpace(string(stderr)))
	}
	return parseDevices(stdout, a.cfg.Serial), nil
}

// parseDevices reads `adb devices` output. The configured serial wins,
// otherwise the first listed device is used.
func parseDevices(out []byte, serial string) Probe {
	var first *Probe
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		p := Probe{DeviceID: fields[0], State: fields[1], Connected: fields[1] == "device"}
		if serial != "" && p.DeviceID == serial {
			return p
		}
		if first == nil {
			first = &p
		}
	}
	if first == nil || serial != "" {
		return Probe{State: "offline"}
	}
	return *first
}

func (a *ADB) SendOne(ctx context.Context, recipient, content string, channelID int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CommandTimeout)
	defer cancel()

	_, stderr, err := a.run(ctx, a.cfg.Path, a.sendArgs(recipient, content, channelID)...)
	if err == nil {
		return true, nil
	}

	msg := strings.TrimSpace(string(stderr))
	var exitErr *exec.ExitError
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return false, fmt.Errorf("%w: adb binary: %v", ErrUnavailable, err)
	case ctx.Err() != nil:
		return false, fmt.Errorf("%w: adb timed out: %v", ErrUnavailable, ctx.Err())
	case isUnavailable(msg):
		return false, fmt.Errorf("%w: %s", ErrUnavailable, msg)
	case errors.As(err, &exitErr):
		logger.Warn("adb rejected message", "recipient", recipient, "exit_code", exitErr.ExitCode(), "stderr", msg)
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// sendArgs builds the isms call. The remote shell re-parses the command, so
// every user supplied token is quoted.
func (a *ADB) sendArgs(recipient, content string, channelID int) []string {
	var args []string
	if a.cfg.Serial != "" {
		args = append(args, "-s", a.cfg.Serial)
	}
	return append(args,
		"shell",
		"service", "call", "isms", "5",
		"i32", strconv.Itoa(channelID),
		"s16", ShellQuote(callingPackage),
		"s16", ShellQuote("null"),
		"s16", ShellQuote(recipient),
		"s16", ShellQuote("null"),
		"s16", ShellQuote(content),
		"s16", ShellQuote("null"),
		"s16", ShellQuote("null"),
		"i32", "0",
		"i64", "0",
	)
}

func isUnavailable(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, m := range unavailableMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// ShellQuote returns s quoted for a POSIX shell. Safe words are left alone.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%+=:,./-_", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
