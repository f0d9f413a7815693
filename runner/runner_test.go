package runner

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/emberworks-io/crucible/catalog"
	"github.com/emberworks-io/crucible/log"
	"github.com/emberworks-io/crucible/types"
)

// testCatalog maps shell-based runtimes so tests do not depend on language
// toolchains being installed.
const testCatalogYAML = `
runtimes:
  - key: sh
    file_name: main.sh
    run: ["sh", "${SRC}"]
  - key: shc
    file_name: main.sh
    compile: ["cp", "${SRC}", "${BIN}"]
    run: ["sh", "${BIN}"]
  - key: shc-broken
    file_name: main.sh
    compile: ["sh", "-c", "echo 'main.sh: syntax error' >&2; exit 1"]
    run: ["sh", "${BIN}"]
  - key: shc-silent-fail
    file_name: main.sh
    compile: ["sh", "-c", "echo 'tool not found'"]
    run: ["sh", "${BIN}"]
`

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	cat, err := catalog.Load([]byte(testCatalogYAML))
	if err != nil {
		t.Fatalf("test catalog: %v", err)
	}
	return New(cat, log.New("runner", "error").WithOutput(io.Discard))
}

func TestRun_Completed(t *testing.T) {
	r := newTestRunner(t)

	outcome, err := r.Run(context.Background(), Spec{
		RuntimeKey:    "sh",
		Source:        "echo Hello World\n",
		TimeLimitMS:   5000,
		MemoryLimitMB: 32,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if outcome.Status != types.ExecutionCompleted {
		t.Fatalf("status = %s, stderr = %q", outcome.Status, outcome.Stderr)
	}
	if outcome.Stdout != "Hello World\n" {
		t.Errorf("stdout = %q", outcome.Stdout)
	}
	if outcome.ExitCode == nil || *outcome.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", outcome.ExitCode)
	}
	if outcome.Timeout {
		t.Error("timeout flag set on completed run")
	}
	if outcome.ExecutionTimeMS < 0 {
		t.Errorf("execution time = %v", outcome.ExecutionTimeMS)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	r := newTestRunner(t)

	outcome, err := r.Run(context.Background(), Spec{
		RuntimeKey:    "sh",
		Source:        "echo x\nexit 7\n",
		TimeLimitMS:   5000,
		MemoryLimitMB: 32,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if outcome.Status != types.ExecutionFailed {
		t.Fatalf("status = %s", outcome.Status)
	}
	if outcome.ExitCode == nil || *outcome.ExitCode != 7 {
		t.Errorf("exit code = %v, want 7", outcome.ExitCode)
	}
	if outcome.Stdout != "x\n" {
		t.Errorf("stdout = %q", outcome.Stdout)
	}
	if outcome.Stderr == "" {
		t.Error("FAILED outcome must carry non-empty stderr")
	}
}

func TestRun_Timeout(t *testing.T) {
	r := newTestRunner(t)

	outcome, err := r.Run(context.Background(), Spec{
		RuntimeKey:    "sh",
		Source:        "sleep 30\n",
		TimeLimitMS:   300,
		MemoryLimitMB: 32,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if outcome.Status != types.ExecutionTimeout {
		t.Fatalf("status = %s", outcome.Status)
	}
	if !outcome.Timeout {
		t.Error("timeout flag not set")
	}
	if outcome.ExitCode != nil {
		t.Errorf("exit code = %v, want nil on timeout", *outcome.ExitCode)
	}
	if outcome.Stderr == "" {
		t.Error("expected stderr fallback on timeout")
	}
	if outcome.ExecutionTimeMS < 250 || outcome.ExecutionTimeMS > 5000 {
		t.Errorf("execution time = %v ms, want roughly the limit", outcome.ExecutionTimeMS)
	}
}

func TestRun_OutputCapKillsProcess(t *testing.T) {
	r := newTestRunner(t)

	// Unbounded output against a 1 MiB cap; the run must die quickly
	// instead of reaching the 10s wall clock.
	outcome, err := r.Run(context.Background(), Spec{
		RuntimeKey:    "sh",
		Source:        "while true; do echo aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa; done\n",
		TimeLimitMS:   10_000,
		MemoryLimitMB: 1,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if outcome.Status != types.ExecutionFailed {
		t.Fatalf("status = %s", outcome.Status)
	}
	if !strings.Contains(outcome.Stderr, "Output limit exceeded") {
		t.Errorf("stderr = %q", outcome.Stderr)
	}
	if outcome.Timeout {
		t.Error("output-cap kill must not be classified as timeout")
	}
}

func TestRun_UnsupportedRuntime(t *testing.T) {
	r := newTestRunner(t)

	outcome, err := r.Run(context.Background(), Spec{
		RuntimeKey:    "cobol",
		Source:        "DISPLAY 'HI'.",
		TimeLimitMS:   5000,
		MemoryLimitMB: 32,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if outcome.Status != types.ExecutionFailed {
		t.Fatalf("status = %s", outcome.Status)
	}
	if outcome.Stderr != "Unsupported language: cobol" {
		t.Errorf("stderr = %q", outcome.Stderr)
	}
}

func TestRun_CompileThenRun(t *testing.T) {
	r := newTestRunner(t)

	outcome, err := r.Run(context.Background(), Spec{
		RuntimeKey:    "shc",
		Source:        "echo compiled output\n",
		TimeLimitMS:   5000,
		MemoryLimitMB: 32,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if outcome.Status != types.ExecutionCompleted {
		t.Fatalf("status = %s, stderr = %q", outcome.Status, outcome.Stderr)
	}
	if outcome.Stdout != "compiled output\n" {
		t.Errorf("stdout = %q", outcome.Stdout)
	}
}

func TestRun_CompileError(t *testing.T) {
	r := newTestRunner(t)

	outcome, err := r.Run(context.Background(), Spec{
		RuntimeKey:    "shc-broken",
		Source:        "whatever\n",
		TimeLimitMS:   5000,
		MemoryLimitMB: 32,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if outcome.Status != types.ExecutionFailed {
		t.Fatalf("status = %s", outcome.Status)
	}
	if !strings.Contains(outcome.Stderr, "error") {
		t.Errorf("stderr = %q, want compile diagnostics", outcome.Stderr)
	}
	if outcome.ExitCode == nil || *outcome.ExitCode != 1 {
		t.Errorf("exit code = %v, want 1", outcome.ExitCode)
	}
	if outcome.ExecutionTimeMS != 0 {
		t.Errorf("execution time = %v, want 0 (no run occurred)", outcome.ExecutionTimeMS)
	}
	if outcome.Stdout != "" {
		t.Errorf("stdout = %q, want empty", outcome.Stdout)
	}
}

func TestRun_CompileSubstringFallback(t *testing.T) {
	r := newTestRunner(t)

	// Toolchain exits 0 but reports "not found": the substring fallback
	// must classify this as a compile failure.
	outcome, err := r.Run(context.Background(), Spec{
		RuntimeKey:    "shc-silent-fail",
		Source:        "whatever\n",
		TimeLimitMS:   5000,
		MemoryLimitMB: 32,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if outcome.Status != types.ExecutionFailed {
		t.Fatalf("status = %s", outcome.Status)
	}
	if !strings.Contains(outcome.Stderr, "not found") {
		t.Errorf("stderr = %q", outcome.Stderr)
	}
}

func TestOutputBudget(t *testing.T) {
	killed := false
	b := newOutputBudget(10, func() { killed = true })
	w := b.writer()

	if n, err := w.Write([]byte("12345")); n != 5 || err != nil {
		t.Fatalf("write = (%d, %v)", n, err)
	}
	if b.exceeded() || killed {
		t.Fatal("budget exceeded too early")
	}

	// Overdraw: accepts the fitting prefix, kills once, drops the rest.
	if n, err := w.Write([]byte("6789012345")); n != 10 || err != nil {
		t.Fatalf("write = (%d, %v)", n, err)
	}
	if !b.exceeded() || !killed {
		t.Fatal("budget overdraw not detected")
	}
	if got := w.String(); got != "1234567890" {
		t.Errorf("captured = %q", got)
	}

	// Later writes are dropped entirely but still report success.
	if n, err := w.Write([]byte("x")); n != 1 || err != nil {
		t.Fatalf("write after overdraw = (%d, %v)", n, err)
	}
	if got := w.String(); got != "1234567890" {
		t.Errorf("captured after overdraw = %q", got)
	}
}
