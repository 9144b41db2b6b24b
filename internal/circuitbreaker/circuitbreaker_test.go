package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/db"
	"github.com/lalithlochan/pricewatch/internal/notify"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	cb := New(cfg, zap.NewNop())
	cb.now = clk.now
	return cb, clk
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig("test"))
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: time.Second})
	trip(cb, 3)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_ProbeLifecycle(t *testing.T) {
	tests := []struct {
		name      string
		probeOK   bool
		wantState State
	}{
		{"successful probe closes", true, StateClosed},
		{"failed probe reopens", false, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clk := newTestBreaker(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 30 * time.Second})
			trip(cb, 2)

			clk.advance(29 * time.Second)
			if cb.Allow() {
				t.Fatal("should still reject before the recovery timeout")
			}
			clk.advance(time.Second)
			if !cb.Allow() {
				t.Fatal("should allow probe after timeout")
			}
			if cb.GetState() != StateHalfOpen {
				t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
			}
			if cb.Allow() {
				t.Fatal("second half-open request should be rejected")
			}

			if tt.probeOK {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
			if cb.GetState() != tt.wantState {
				t.Fatalf("expected %s, got %s", tt.wantState, cb.GetState())
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "test", MaxFailures: 3})
	trip(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_AbandonFreesProbeSlot(t *testing.T) {
	cb, clk := newTestBreaker(Config{Name: "test", MaxFailures: 1, RecoveryTimeout: time.Second})
	trip(cb, 1)
	clk.advance(time.Second)

	if !cb.Allow() {
		t.Fatal("probe should be allowed")
	}
	cb.Abandon()
	if !cb.Allow() {
		t.Fatal("abandoned probe should free the slot")
	}
}

func TestCircuitBreaker_ResetAndStats(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "stats-test", MaxFailures: 5})
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()

	stats := cb.Stats()
	if stats.Name != "stats-test" || stats.TotalRequests != 3 || stats.TotalSuccesses != 2 || stats.TotalFailures != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.LastFailure == "" {
		t.Fatal("last failure should be recorded")
	}

	trip(cb, 5)
	cb.Reset()
	if cb.GetState() != StateClosed || !cb.Allow() {
		t.Fatal("should be closed and allowing after reset")
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cb, clk := newTestBreaker(Config{
		Name:            "sms",
		MaxFailures:     1,
		RecoveryTimeout: time.Second,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, fmt.Sprintf("%s:%s->%s", name, from, to))
		},
	})
	trip(cb, 1)
	clk.advance(time.Second)
	cb.Allow()
	cb.RecordSuccess()

	want := []string{"sms:closed->open", "sms:open->half-open", "sms:half-open->closed"}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

type mockSender struct {
	sendErr   error
	channel   string
	sendCalls int
}

func (m *mockSender) Send(_ context.Context, msg *notify.Message) (*notify.Receipt, error) {
	m.sendCalls++
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &notify.Receipt{Channel: msg.Channel}, nil
}

func (m *mockSender) SupportsChannel(channel string) bool {
	return channel == m.channel
}

func testMsg(ch string) *notify.Message {
	return &notify.Message{AlertID: uuid.New(), Channel: ch}
}

func TestProtectedSender_FailFastWhenOpen(t *testing.T) {
	mock := &mockSender{sendErr: errors.New("down"), channel: db.ChannelEmail}
	cb, _ := newTestBreaker(Config{Name: "email", MaxFailures: 2})
	ps := NewProtectedSender(mock, cb, zap.NewNop())

	ps.Send(context.Background(), testMsg(db.ChannelEmail))
	ps.Send(context.Background(), testMsg(db.ChannelEmail))
	mock.sendCalls = 0

	_, err := ps.Send(context.Background(), testMsg(db.ChannelEmail))
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatalf("sender called %d times when circuit open", mock.sendCalls)
	}
}

func TestProtectedSender_MissingAddressDoesNotTrip(t *testing.T) {
	mock := &mockSender{sendErr: fmt.Errorf("sms: %w", notify.ErrNoAddress), channel: db.ChannelSMS}
	cb, _ := newTestBreaker(Config{Name: "sms", MaxFailures: 2})
	ps := NewProtectedSender(mock, cb, zap.NewNop())

	for i := 0; i < 5; i++ {
		if _, err := ps.Send(context.Background(), testMsg(db.ChannelSMS)); !errors.Is(err, notify.ErrNoAddress) {
			t.Fatalf("expected ErrNoAddress, got %v", err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.GetState())
	}
}

func TestProtectedSender_FullLifecycle(t *testing.T) {
	mock := &mockSender{channel: db.ChannelWebhook}
	cb, clk := newTestBreaker(Config{Name: "webhook", MaxFailures: 3, RecoveryTimeout: time.Minute})
	ps := NewProtectedSender(mock, cb, zap.NewNop())
	msg := testMsg(db.ChannelWebhook)

	if _, err := ps.Send(context.Background(), msg); err != nil {
		t.Fatalf("working: %v", err)
	}

	mock.sendErr = errors.New("endpoint down")
	for i := 0; i < 3; i++ {
		ps.Send(context.Background(), msg)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	clk.advance(time.Minute)
	mock.sendErr = nil
	if _, err := ps.Send(context.Background(), msg); err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.GetState())
	}
	if !ps.SupportsChannel(db.ChannelWebhook) || ps.SupportsChannel(db.ChannelEmail) {
		t.Fatal("SupportsChannel should delegate")
	}
}

func TestSet_StatsAndReset(t *testing.T) {
	email, _ := newTestBreaker(Config{Name: db.ChannelEmail, MaxFailures: 2, RecoveryTimeout: time.Minute})
	sms, _ := newTestBreaker(Config{Name: db.ChannelSMS, MaxFailures: 2, RecoveryTimeout: time.Minute})
	ps := NewProtectedSender(&mockSender{}, sms, zap.NewNop())

	set := NewSet()
	set.Add(ps.Breaker())
	set.Add(email)
	trip(email, 2)

	stats := set.Stats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 breakers, got %d", len(stats))
	}
	if stats[0].Name != db.ChannelEmail || stats[1].Name != db.ChannelSMS {
		t.Fatalf("expected name order, got %s, %s", stats[0].Name, stats[1].Name)
	}
	if stats[0].State != StateOpen.String() || stats[0].TotalFailures != 2 {
		t.Fatalf("expected open email breaker with 2 failures, got %+v", stats[0])
	}

	got, ok := set.Reset(db.ChannelEmail)
	if !ok {
		t.Fatal("expected email breaker to be found")
	}
	if got.State != StateClosed.String() || got.FailureCount != 0 {
		t.Fatalf("expected closed breaker after reset, got %+v", got)
	}
	if !email.Allow() {
		t.Fatal("reset breaker should allow requests")
	}
	if _, ok := set.Reset("carrier-pigeon"); ok {
		t.Fatal("unknown breaker should not be found")
	}
}
