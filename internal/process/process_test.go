package process

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/tessera-app/supervisor/internal/plan"
)

func lookPath(t *testing.T, name string) string {
	t.Helper()
	p, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return p
}

func sleepSpec(t *testing.T, name string) plan.ProcessSpec {
	return plan.ProcessSpec{
		Name:       name,
		Executable: lookPath(t, "sleep"),
		Args:       []string{"60"},
		WorkingDir: t.TempDir(),
		Output:     plan.OutputCapture,
	}
}

func shSpec(t *testing.T, name, script string) plan.ProcessSpec {
	return plan.ProcessSpec{
		Name:       name,
		Executable: lookPath(t, "sh"),
		Args:       []string{"-c", script},
		WorkingDir: t.TempDir(),
		Output:     plan.OutputCapture,
	}
}

func TestSpawnAndTerminate(t *testing.T) {
	h, err := Spawn(sleepSpec(t, "sleeper"), Options{Group: "g"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if h.PID() <= 0 {
		t.Errorf("expected positive PID, got %d", h.PID())
	}
	if !h.Running() {
		t.Fatal("expected running after spawn")
	}
	if h.Name() != "sleeper" || h.Group() != "g" {
		t.Errorf("unexpected identity %s/%s", h.Group(), h.Name())
	}
	if h.StartedAt().IsZero() {
		t.Error("expected spawn timestamp")
	}

	if err := h.Terminate(5 * time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if h.Running() {
		t.Error("expected not running after Terminate")
	}
	if Alive(h.PID()) {
		t.Errorf("expected pid %d to be gone", h.PID())
	}
}

func TestSpawnCapturesOutput(t *testing.T) {
	h, err := Spawn(shSpec(t, "echoer", "echo hello world; echo oops >&2"), Options{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if code := h.Wait(); code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}

	got := strings.Join(h.LogLines(10), "\n")
	if !strings.Contains(got, "hello world") || !strings.Contains(got, "oops") {
		t.Errorf("expected stdout and stderr captured, got %q", got)
	}
}

func TestSpawnDiscardOutput(t *testing.T) {
	spec := shSpec(t, "quiet", "echo hidden")
	spec.Output = plan.OutputDiscard

	h, err := Spawn(spec, Options{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	h.Wait()

	if lines := h.LogLines(10); lines != nil {
		t.Errorf("expected no captured lines, got %v", lines)
	}
}

func TestSpawnEnvironmentAndPort(t *testing.T) {
	spec := shSpec(t, "env", `echo "$PORT $GREETING"`)
	spec.Env = map[string]string{"GREETING": "hi"}

	h, err := Spawn(spec, Options{Port: 4242})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	h.Wait()

	lines := h.LogLines(1)
	if len(lines) != 1 || lines[0] != "4242 hi" {
		t.Errorf("expected '4242 hi', got %v", lines)
	}
	if h.Port() != 4242 {
		t.Errorf("expected port 4242, got %d", h.Port())
	}
}

func TestSpawnExitCode(t *testing.T) {
	h, err := Spawn(shSpec(t, "failing", "exit 3"), Options{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if code := h.Wait(); code != 3 {
		t.Errorf("expected exit code 3, got %d", code)
	}
	info := h.Info()
	if info.Running || info.ExitCode != 3 || info.Error == "" {
		t.Errorf("unexpected info after exit: %+v", info)
	}
}

func TestSpawnMissingExecutable(t *testing.T) {
	spec := plan.ProcessSpec{
		Name:       "ghost",
		Executable: "./does-not-exist",
		WorkingDir: t.TempDir(),
	}

	_, err := Spawn(spec, Options{Group: "g"})
	if !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("expected ErrExecutableNotFound, got %v", err)
	}
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SpawnError, got %T", err)
	}
	if se.Process != "ghost" || se.Group != "g" {
		t.Errorf("unexpected spawn error fields: %+v", se)
	}
}

func TestSpawnDoesNotSearchPath(t *testing.T) {
	lookPath(t, "sleep")
	spec := plan.ProcessSpec{
		Name:       "bare",
		Executable: "sleep",
		Args:       []string{"1"},
		WorkingDir: t.TempDir(),
	}

	if _, err := Spawn(spec, Options{}); !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("expected bare name to be resolved against working dir, got %v", err)
	}
}

func TestSpawnRelativeExecutable(t *testing.T) {
	sh := lookPath(t, "sh")
	dir := t.TempDir()
	script := filepath.Join(dir, "worker.sh")
	if err := os.WriteFile(script, []byte("#!"+sh+"\necho from-worker\n"), 0755); err != nil {
		t.Fatal(err)
	}

	h, err := Spawn(plan.ProcessSpec{Name: "rel", Executable: "./worker.sh", WorkingDir: dir}, Options{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	h.Wait()

	if lines := h.LogLines(1); len(lines) != 1 || lines[0] != "from-worker" {
		t.Errorf("expected from-worker, got %v", lines)
	}
}

func TestSpawnMissingWorkingDir(t *testing.T) {
	spec := sleepSpec(t, "nowhere")
	spec.WorkingDir = filepath.Join(t.TempDir(), "missing")

	_, err := Spawn(spec, Options{})
	if !errors.Is(err, ErrWorkingDir) {
		t.Fatalf("expected ErrWorkingDir, got %v", err)
	}
}

func TestSpawnWorkingDirIsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}
	spec := sleepSpec(t, "filedir")
	spec.WorkingDir = file

	if _, err := Spawn(spec, Options{}); !errors.Is(err, ErrWorkingDir) {
		t.Fatalf("expected ErrWorkingDir, got %v", err)
	}
}

func TestSpawnNotExecutable(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "data.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Spawn(plan.ProcessSpec{Name: "noexec", Executable: "data.txt", WorkingDir: dir}, Options{})
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SpawnError for permission failure, got %v", err)
	}
}

func TestTerminateAlreadyExited(t *testing.T) {
	h, err := Spawn(shSpec(t, "quick", "true"), Options{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	h.Wait()

	if err := h.Terminate(time.Second); err != nil {
		t.Errorf("expected nil terminating an exited process, got %v", err)
	}
	// and again
	if err := h.Terminate(time.Second); err != nil {
		t.Errorf("expected nil on second Terminate, got %v", err)
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	h, err := Spawn(shSpec(t, "stubborn", `trap "" TERM; while true; do sleep 0.1; done`), Options{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	// give the shell time to install the trap
	time.Sleep(200 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- h.Terminate(100 * time.Millisecond) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Terminate hung on a process ignoring SIGTERM")
	}
	if h.Running() {
		t.Error("expected process to be dead after SIGKILL")
	}
}

func TestTerminateKillsProcessGroup(t *testing.T) {
	h, err := Spawn(shSpec(t, "parent", "sleep 60 & echo $!; wait"), Options{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	var childPID string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if lines := h.LogLines(1); len(lines) == 1 {
			childPID = lines[0]
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if childPID == "" {
		t.Fatal("child pid never reported")
	}

	if err := h.Terminate(2 * time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	var pid int
	for _, c := range childPID {
		pid = pid*10 + int(c-'0')
	}
	// the grandchild is reparented and reaped by init; give it a moment
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && Alive(pid) {
		time.Sleep(20 * time.Millisecond)
	}
	if Alive(pid) {
		t.Errorf("expected grandchild %d to be killed with the group", pid)
	}
}

func TestForwarderSuppressesOverLimit(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, nil))
	f := newForwarder(logger, 0.001, 2)

	for i := 0; i < 5; i++ {
		f.line("line")
	}

	if f.suppressed != 3 {
		t.Errorf("expected 3 suppressed lines, got %d", f.suppressed)
	}
	if n := strings.Count(out.String(), "stream=output"); n != 2 {
		t.Errorf("expected 2 forwarded lines, got %d: %s", n, out.String())
	}
}

func TestKillOrphan(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("process start time not available")
	}

	h, err := Spawn(sleepSpec(t, "orphan"), Options{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() { h.Terminate(time.Second) })

	if h.StartTime() == 0 {
		t.Fatal("expected start time recorded at spawn")
	}

	// a mismatched start time means the pid belongs to someone else
	killed, err := KillOrphan(h.PID(), h.StartTime()+1, time.Second)
	if err != nil || killed {
		t.Fatalf("expected mismatched orphan to be left alone, got killed=%v err=%v", killed, err)
	}
	if !h.Running() {
		t.Fatal("process should still be running")
	}

	killed, err = KillOrphan(h.PID(), h.StartTime(), 2*time.Second)
	if err != nil {
		t.Fatalf("KillOrphan: %v", err)
	}
	if !killed {
		t.Fatal("expected orphan to be killed")
	}

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}
