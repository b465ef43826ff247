package llm

import (
	"testing"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/gaiin-platform/amplify-genai-backend-sub005/pkg/errors"
)

func testSettings() BreakerSettings {
	return BreakerSettings{
		ErrorWindow:        time.Minute,
		ErrorRateThreshold: 0.20,
		MinSamples:         10,
		CostWindow:         time.Hour,
		CostPerHourLimit:   30.0,
		Cooldown:           20 * time.Millisecond,
		IdleExpiry:         time.Hour,
	}
}

func TestBreakerBoard_ClosedByDefault(t *testing.T) {
	b := NewBreakerBoard(testSettings(), zap.NewNop())
	defer b.Close()

	key := Key("chat", "alice")
	if err := b.Allow(key); err != nil {
		t.Fatalf("unknown circuit should allow: %v", err)
	}
	if b.State(key) != CircuitClosed {
		t.Fatal("unknown circuit should report closed")
	}
}

func TestBreakerBoard_OpensOnErrorRate(t *testing.T) {
	b := NewBreakerBoard(testSettings(), zap.NewNop())
	defer b.Close()
	key := Key("chat", "alice")

	// 7 successes + 3 failures = 30% error rate over 10 samples.
	for i := 0; i < 7; i++ {
		b.RecordSuccess(key, 0.01)
	}
	for i := 0; i < 3; i++ {
		b.RecordFailure(key, 0.01)
	}

	if b.State(key) != CircuitOpen {
		t.Fatal("circuit should open above the error-rate threshold")
	}
	err := b.Allow(key)
	if err == nil {
		t.Fatal("open circuit should reject")
	}
	if !apperrors.IsCircuitOpen(err) {
		t.Fatalf("expected circuit-open error, got %v", err)
	}
}

func TestBreakerBoard_MinSamplesGuard(t *testing.T) {
	b := NewBreakerBoard(testSettings(), zap.NewNop())
	defer b.Close()
	key := Key("chat", "alice")

	// 100% failures but below the sample floor.
	for i := 0; i < 9; i++ {
		b.RecordFailure(key, 0.01)
	}
	if b.State(key) != CircuitClosed {
		t.Fatal("circuit must not trip below the minimum sample count")
	}
}

func TestBreakerBoard_OpensOnCostRate(t *testing.T) {
	b := NewBreakerBoard(testSettings(), zap.NewNop())
	defer b.Close()
	key := Key("extraction", "alice")

	b.RecordSuccess(key, 31.0) // above the hourly limit in one call

	if b.State(key) != CircuitOpen {
		t.Fatal("circuit should open above the cost-per-hour limit")
	}
}

func TestBreakerBoard_HalfOpenProbeRecovers(t *testing.T) {
	b := NewBreakerBoard(testSettings(), zap.NewNop())
	defer b.Close()
	key := Key("chat", "alice")

	b.RecordSuccess(key, 31.0) // trip via cost
	time.Sleep(25 * time.Millisecond)

	if err := b.Allow(key); err != nil {
		t.Fatalf("probe should be allowed after cooldown: %v", err)
	}
	if b.State(key) != CircuitHalfOpen {
		t.Fatal("circuit should be half-open during the probe")
	}
	// A second caller is rejected while the probe is in flight.
	if err := b.Allow(key); err == nil {
		t.Fatal("only one probe may fly")
	}

	b.RecordSuccess(key, 0.01)
	if b.State(key) != CircuitClosed {
		t.Fatal("successful probe should close the circuit")
	}
}

func TestBreakerBoard_FailedProbeReopens(t *testing.T) {
	b := NewBreakerBoard(testSettings(), zap.NewNop())
	defer b.Close()
	key := Key("chat", "alice")

	b.RecordSuccess(key, 31.0)
	time.Sleep(25 * time.Millisecond)
	if err := b.Allow(key); err != nil {
		t.Fatal(err)
	}

	b.RecordFailure(key, 0.01)
	if b.State(key) != CircuitOpen {
		t.Fatal("failed probe should re-open the circuit")
	}
}

func TestBreakerBoard_CircuitsAreIndependent(t *testing.T) {
	b := NewBreakerBoard(testSettings(), zap.NewNop())
	defer b.Close()

	b.RecordSuccess(Key("chat", "alice"), 31.0)

	if err := b.Allow(Key("chat", "bob")); err != nil {
		t.Fatalf("other users are unaffected: %v", err)
	}
	if err := b.Allow(Key("extraction", "alice")); err != nil {
		t.Fatalf("other functions are unaffected: %v", err)
	}
}

func TestKey(t *testing.T) {
	if Key("chat", "") != "chat" {
		t.Fatal("empty user should yield a function-wide key")
	}
	if Key("chat", "alice") != "chat|alice" {
		t.Fatal("user key should combine function and user")
	}
}
