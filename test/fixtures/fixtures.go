package fixtures

import (
	"context"
	"fmt"
	"sync"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/intake"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/transport"
)

// SendCall records one SendOne invocation.
type SendCall struct {
	Recipient string
	Content   string
	ChannelID int
}

// SendResult scripts the answer of one SendOne call.
type SendResult struct {
	OK  bool
	Err error
}

// FakeTransport is a scriptable transport. Scripted send results are consumed
// in order; once exhausted every send succeeds.
type FakeTransport struct {
	mu        sync.Mutex
	probe     transport.Probe
	probeErr  error
	results   []SendResult
	calls     []SendCall
	probeHits int
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{probe: transport.Probe{Connected: true, DeviceID: "fake-device", State: "device"}}
}

func (f *FakeTransport) Name() string { return "fake" }

func (f *FakeTransport) SetProbe(p transport.Probe, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probe, f.probeErr = p, err
}

func (f *FakeTransport) Disconnect() {
	f.SetProbe(transport.Probe{State: "offline"}, nil)
}

func (f *FakeTransport) Script(results ...SendResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, results...)
}

func (f *FakeTransport) Calls() []SendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SendCall(nil), f.calls...)
}

func (f *FakeTransport) ProbeHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeHits
}

func (f *FakeTransport) Probe(ctx context.Context) (transport.Probe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeHits++
	return f.probe, f.probeErr
}

func (f *FakeTransport) SendOne(ctx context.Context, recipient, content string, channelID int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, SendCall{Recipient: recipient, Content: content, ChannelID: channelID})
	if len(f.results) == 0 {
		return true, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.OK, r.Err
}

// Transient is a retryable send failure.
func Transient(msg string) SendResult {
	return SendResult{Err: fmt.Errorf("%w: %s", transport.ErrUnavailable, msg)}
}

func Rejected() SendResult {
	return SendResult{OK: false}
}

func Accepted() SendResult {
	return SendResult{OK: true}
}

// Rows builds n valid submission rows.
func Rows(n int) []intake.Row {
	rows := make([]intake.Row, n)
	for i := range rows {
		rows[i] = intake.Row{Recipient: fmt.Sprintf("+1555000%04d", i), Content: fmt.Sprintf("message %d", i)}
	}
	return rows
}

const ValidCSV = "phone_number,message\n+1234567890,Hello\n+9876543210,World\n"

var (
	ValidRecipients = []string{
		"+1234567890",
		"+447911123456",
		"+9876543210",
	}

	InvalidRecipients = []string{
		"",
		"12345",
		"1234567890",
		"+12345",
	}
)
