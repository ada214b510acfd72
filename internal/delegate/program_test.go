package delegate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeScript creates an executable shell script in a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "delegate.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

func TestProgramSuccess(t *testing.T) {
	p := &Program{
		Path: writeScript(t, `echo "$@"`),
		Args: ParseTemplate([]string{"--device", "{device}", "{validate?--validate}", "{!validate?--skip}"}),
	}

	out, err := p.Run(context.Background(), Args{"device": "/dev/sda", "validate": true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Succeeded() {
		t.Fatalf("expected success, got %+v", out)
	}
	if got := strings.TrimSpace(out.Stdout); got != "--device /dev/sda --validate" {
		t.Errorf("stdout = %q", got)
	}
	if out.Duration <= 0 || out.StartedAt.IsZero() {
		t.Error("expected timing to be recorded")
	}
}

func TestProgramNonZeroExit(t *testing.T) {
	p := &Program{Path: writeScript(t, `echo "disk busy" >&2; exit 1`)}

	out, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", out.ExitCode)
	}
	if out.Reason() != "disk busy" {
		t.Errorf("reason = %q", out.Reason())
	}
	if out.Succeeded() {
		t.Error("non-zero exit reported as success")
	}
}

func TestProgramTimeoutKillsGroup(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "survived")
	// The background child would create the marker if it outlived the kill.
	p := &Program{
		Path:    writeScript(t, `(sleep 2; touch `+marker+`) & sleep 30`),
		Timeout: 200 * time.Millisecond,
	}

	start := time.Now()
	out, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.TimedOut || out.ExitCode != -1 {
		t.Fatalf("expected timeout, got %+v", out)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}

	time.Sleep(2500 * time.Millisecond)
	if _, err := os.Stat(marker); err == nil {
		t.Error("child process survived the group kill")
	}
}

func TestProgramCallerDeadline(t *testing.T) {
	p := &Program{Path: writeScript(t, `sleep 30`)}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	out, err := p.Run(ctx, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.TimedOut {
		t.Errorf("expected caller deadline to mark the outcome timed out")
	}
}

func TestProgramCallerCancel(t *testing.T) {
	p := &Program{Path: writeScript(t, `sleep 30`)}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := p.Run(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestProgramOutputLimit(t *testing.T) {
	p := &Program{
		Path:        writeScript(t, `printf '%0100d' 0; printf '%0100d' 0 >&2`),
		OutputLimit: 16,
	}

	out, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Stdout) != 16 || !out.StdoutTruncated {
		t.Errorf("stdout len=%d truncated=%v", len(out.Stdout), out.StdoutTruncated)
	}
	if len(out.Stderr) != 16 || !out.StderrTruncated {
		t.Errorf("stderr len=%d truncated=%v", len(out.Stderr), out.StderrTruncated)
	}
}

func TestProgramStartFailure(t *testing.T) {
	p := &Program{Path: filepath.Join(t.TempDir(), "missing")}

	_, err := p.Run(context.Background(), nil)
	if !errors.Is(err, ErrStart) {
		t.Fatalf("expected ErrStart, got %v", err)
	}
}

func TestProgramMissingArgument(t *testing.T) {
	p := &Program{Path: writeScript(t, `true`), Args: ParseTemplate([]string{"{device}"})}

	_, err := p.Run(context.Background(), Args{})
	if !errors.Is(err, ErrStart) {
		t.Fatalf("expected ErrStart, got %v", err)
	}
}

func TestProgramWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	p := &Program{Path: writeScript(t, `pwd`), Dir: dir}

	out, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(out.Stdout))
	if got != want {
		t.Errorf("pwd = %q, want %q", got, want)
	}
}
