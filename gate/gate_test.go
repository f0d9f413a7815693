package gate

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/emberworks-io/crucible/log"
)

type fakeAbuseStore struct {
	total  int
	failed int
	err    error
	calls  int
}

func (f *fakeAbuseStore) RecentExecutionStats(_ context.Context, _ string, _ time.Time) (int, int, error) {
	f.calls++
	return f.total, f.failed, f.err
}

func testLogger() *log.Logger {
	return log.New("gate", "error").WithOutput(io.Discard)
}

func TestValidateParams_Bounds(t *testing.T) {
	g := New(&fakeAbuseStore{}, testLogger())

	cases := []struct {
		name       string
		t, m       int
		violations int
	}{
		{"both valid min", 100, 32, 0},
		{"both valid max", 60000, 2048, 0},
		{"typical", 5000, 256, 0},
		{"time too low", 99, 256, 1},
		{"time too high", 60001, 256, 1},
		{"memory too low", 5000, 31, 1},
		{"memory too high", 5000, 2049, 1},
		{"both invalid", 50, 16, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := g.ValidateParams(tc.t, tc.m)
			if len(got) != tc.violations {
				t.Errorf("ValidateParams(%d, %d) = %v, want %d violations", tc.t, tc.m, got, tc.violations)
			}
		})
	}
}

func TestCheckAbuse_Allowed(t *testing.T) {
	g := New(&fakeAbuseStore{total: 9, failed: 4}, testLogger())

	d := g.CheckAbuse(context.Background(), "sess-1")
	if !d.Allowed {
		t.Errorf("expected allowed, got %+v", d)
	}
}

func TestCheckAbuse_RateBlocked(t *testing.T) {
	// 10 executions already in the window: the 11th admission is blocked.
	g := New(&fakeAbuseStore{total: 10}, testLogger())

	d := g.CheckAbuse(context.Background(), "sess-1")
	if d.Allowed {
		t.Fatal("expected block")
	}
	if d.RetryAfter != 60 {
		t.Errorf("RetryAfter = %d, want 60", d.RetryAfter)
	}
	if d.Reason == "" {
		t.Error("expected a reason")
	}
}

func TestCheckAbuse_FailureCircuit(t *testing.T) {
	// 5 FAILED in the window: the 6th admission is blocked even though the
	// total rate is under the limit.
	g := New(&fakeAbuseStore{total: 5, failed: 5}, testLogger())

	d := g.CheckAbuse(context.Background(), "sess-1")
	if d.Allowed {
		t.Fatal("expected block")
	}
	if d.RetryAfter != 60 {
		t.Errorf("RetryAfter = %d, want 60", d.RetryAfter)
	}
}

func TestCheckAbuse_FailsOpenOnStoreError(t *testing.T) {
	g := New(&fakeAbuseStore{err: errors.New("connection refused")}, testLogger())

	d := g.CheckAbuse(context.Background(), "sess-1")
	if !d.Allowed {
		t.Errorf("expected fail-open, got %+v", d)
	}
}

func TestCheckAbuse_BreakerShortCircuits(t *testing.T) {
	store := &fakeAbuseStore{err: errors.New("down")}
	g := New(store, testLogger())

	// Trip the breaker with consecutive failures, then verify the store is
	// no longer queried while it is open. All decisions stay fail-open.
	for range 5 {
		if d := g.CheckAbuse(context.Background(), "sess-1"); !d.Allowed {
			t.Fatal("expected fail-open while store is down")
		}
	}
	callsWhenTripped := store.calls
	if d := g.CheckAbuse(context.Background(), "sess-1"); !d.Allowed {
		t.Fatal("expected fail-open while breaker is open")
	}
	if store.calls != callsWhenTripped {
		t.Errorf("store queried while breaker open: %d -> %d calls", callsWhenTripped, store.calls)
	}
}

func TestScanLoopPatterns(t *testing.T) {
	g := New(&fakeAbuseStore{}, testLogger())

	cases := []struct {
		name     string
		runtime  string
		source   string
		detected bool
	}{
		{"python while True", "python", "while True:\n    pass\n", true},
		{"python while 1", "python", "while 1:\n    pass\n", true},
		{"python iter int", "python", "for x in iter(int, 1):\n    pass\n", true},
		{"python clean", "python", "print('hello')\n", false},
		{"node while true", "node", "while (true) {}\n", true},
		{"node for ;;", "node", "for (;;) {}\n", true},
		{"node clean", "node", "console.log('hi');\n", false},
		{"c while 1", "gcc", "int main() { while (1) {} }\n", true},
		{"c++ for ;;", "g++", "int main() { for (;;) {} }\n", true},
		{"unscanned runtime", "ruby", "loop do end\n", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			detected, pattern := g.ScanLoopPatterns(tc.source, tc.runtime)
			if detected != tc.detected {
				t.Errorf("detected = %v (pattern %q), want %v", detected, pattern, tc.detected)
			}
			if detected && pattern == "" {
				t.Error("detected without a pattern description")
			}
		})
	}
}
