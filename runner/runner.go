// Package runner drives one execution's child processes: it prepares a
// scratch directory, writes the source, compiles when the runtime requires
// it, runs under a wall-clock timeout and an output cap, and classifies the
// outcome.
//
// The runner is language-agnostic: all per-runtime knowledge lives in the
// catalog descriptor table.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/emberworks-io/crucible/catalog"
	"github.com/emberworks-io/crucible/iox"
	"github.com/emberworks-io/crucible/log"
	"github.com/emberworks-io/crucible/types"
)

// MinCompileTimeout floors the compile-step timeout: compilers routinely
// need longer than short run limits.
const MinCompileTimeout = 10 * time.Second

// termGrace is how long a timed-out process gets between SIGTERM and SIGKILL.
const termGrace = 2 * time.Second

// Spec describes one run request.
type Spec struct {
	// RuntimeKey selects the catalog descriptor.
	RuntimeKey string
	// FileName is the canonical source file name from the language row.
	FileName string
	// Source is the session's source text.
	Source string
	// TimeLimitMS is the wall-clock limit for the run step.
	TimeLimitMS int
	// MemoryLimitMB caps combined stdout+stderr at MemoryLimitMB MiB.
	// This is an output-size guard, not an RSS limit.
	MemoryLimitMB int
}

// Outcome is the classified result of one run.
type Outcome struct {
	Status          types.ExecutionStatus
	Stdout          string
	Stderr          string
	ExecutionTimeMS float64
	// ExitCode is nil for TIMEOUT outcomes.
	ExitCode *int
	Timeout  bool
}

// Runner executes specs against the runtime catalogue.
type Runner struct {
	catalog *catalog.Catalog
	logger  *log.Logger
}

// New creates a runner over the given catalogue.
func New(cat *catalog.Catalog, logger *log.Logger) *Runner {
	return &Runner{catalog: cat, logger: logger}
}

func intPtr(n int) *int { return &n }

// Run executes one spec. Code-level failures (compile error, non-zero exit,
// timeout) are normal outcomes, not errors; the returned error indicates an
// infrastructure failure the caller should retry.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Outcome, error) {
	desc, ok := r.catalog.Lookup(spec.RuntimeKey)
	if !ok {
		return &Outcome{
			Status:   types.ExecutionFailed,
			Stderr:   "Unsupported language: " + spec.RuntimeKey,
			ExitCode: intPtr(1),
		}, nil
	}

	// Unique scratch directory: timestamp plus random suffix.
	scratch, err := os.MkdirTemp("", fmt.Sprintf("crucible-%d-%04x-", time.Now().UnixMilli(), rand.Uint32N(0x10000)))
	if err != nil {
		return nil, fmt.Errorf("runner: create scratch dir: %w", err)
	}
	defer iox.RemoveAll(scratch, func(err error) {
		r.logger.Warn("scratch cleanup failed", map[string]any{
			"dir":   scratch,
			"error": err.Error(),
		})
	})

	fileName := spec.FileName
	if fileName == "" {
		fileName = desc.FileName
	}
	srcPath := filepath.Join(scratch, fileName)
	if err := os.WriteFile(srcPath, []byte(spec.Source), 0o644); err != nil {
		return nil, fmt.Errorf("runner: write source: %w", err)
	}

	binPath := filepath.Join(scratch, "program")

	if desc.Compiled() {
		if outcome := r.compile(ctx, desc, spec, srcPath, binPath, scratch); outcome != nil {
			return outcome, nil
		}
	}

	return r.execute(ctx, desc, spec, srcPath, binPath, scratch), nil
}

// compile runs the descriptor's compile command. A nil return means the
// compile succeeded and the run step should proceed.
//
// A non-zero exit is the authoritative failure signal. The case-insensitive
// "error"/"not found" substring test is kept only as a fallback for
// toolchains that exit 0 on failure; it can misfire on output that merely
// contains the word, which is acceptable for a fallback.
func (r *Runner) compile(ctx context.Context, desc *catalog.Descriptor, spec Spec, srcPath, binPath, scratch string) *Outcome {
	timeout := time.Duration(spec.TimeLimitMS) * time.Millisecond
	if timeout < MinCompileTimeout {
		timeout = MinCompileTimeout
	}
	compileCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := catalog.ExpandCommand(desc.Compile, srcPath, binPath, scratch)
	cmd := exec.CommandContext(compileCtx, argv[0], argv[1:]...)
	cmd.Dir = scratch

	combined, err := cmd.CombinedOutput()
	output := string(combined)

	lower := strings.ToLower(output)
	failed := err != nil ||
		strings.Contains(lower, "error") ||
		strings.Contains(lower, "not found")
	if !failed {
		return nil
	}

	stderr := output
	if stderr == "" {
		if err != nil {
			stderr = "Compilation failed: " + err.Error()
		} else {
			stderr = "Compilation failed"
		}
	}
	return &Outcome{
		Status:   types.ExecutionFailed,
		Stderr:   stderr,
		ExitCode: intPtr(1),
	}
}

// execute spawns the run command under the wall-clock timeout and output cap.
func (r *Runner) execute(ctx context.Context, desc *catalog.Descriptor, spec Spec, srcPath, binPath, scratch string) *Outcome {
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(spec.TimeLimitMS)*time.Millisecond)
	defer cancel()

	argv := catalog.ExpandCommand(desc.Run, srcPath, binPath, scratch)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = scratch
	cmd.Stdin = nil // no input; the child sees EOF immediately

	// Signal escalation on timeout: SIGTERM first, SIGKILL after the grace.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	budget := newOutputBudget(int64(spec.MemoryLimitMB)*1024*1024, cancel)
	stdout := budget.writer()
	stderr := budget.writer()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return &Outcome{
			Status:   types.ExecutionFailed,
			Stderr:   "Failed to start process: " + err.Error(),
			ExitCode: intPtr(1),
		}
	}
	err := cmd.Wait()
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)

	outcome := &Outcome{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		ExecutionTimeMS: elapsed,
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		outcome.Status = types.ExecutionTimeout
		outcome.Timeout = true
		outcome.ExitCode = nil
		if outcome.Stderr == "" {
			outcome.Stderr = "Execution timeout"
		}

	case budget.exceeded():
		outcome.Status = types.ExecutionFailed
		outcome.Stderr = fmt.Sprintf("Output limit exceeded (%d MB)", spec.MemoryLimitMB)
		outcome.ExitCode = intPtr(exitCodeOf(err))

	case ctx.Err() != nil:
		// Parent cancellation (worker shutdown past the grace period).
		outcome.Status = types.ExecutionFailed
		outcome.Stderr = "Execution canceled"
		outcome.ExitCode = intPtr(exitCodeOf(err))

	case err == nil:
		outcome.Status = types.ExecutionCompleted
		outcome.ExitCode = intPtr(0)

	default:
		outcome.Status = types.ExecutionFailed
		outcome.ExitCode = intPtr(exitCodeOf(err))
		if outcome.Stderr == "" {
			outcome.Stderr = "Process exited with code " + fmt.Sprint(*outcome.ExitCode)
		}
	}

	return outcome
}

// exitCodeOf extracts the process exit code from a Wait error, defaulting
// to 1 for signal kills and spawn-level failures.
func exitCodeOf(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code > 0 {
			return code
		}
	}
	return 1
}
