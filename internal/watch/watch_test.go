package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tessera-app/supervisor/internal/plan"
)

type recorder struct {
	mu    sync.Mutex
	plans []*plan.Plan
}

func (r *recorder) SetPlan(p *plan.Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans = append(r.plans, p)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plans)
}

func (r *recorder) last() *plan.Plan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plans[len(r.plans)-1]
}

const planV1 = `
groups:
  - name: main
    processes:
      - name: worker
        executable: /bin/true
`

const planV2 = `
groups:
  - name: main
    processes:
      - name: worker
        executable: /bin/true
      - name: api
        executable: /bin/true
`

func writePlan(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func waitCount(t *testing.T, r *recorder, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r.count() >= want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected %d installs, got %d", want, r.count())
}

func TestReloadInstallsOnlyValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	writePlan(t, path, planV1)
	p, err := plan.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	w := New(path, p.Hash(), rec)

	w.Reload()
	if rec.count() != 0 {
		t.Fatal("unchanged plan should not be installed")
	}

	writePlan(t, path, "groups: [")
	w.Reload()
	if rec.count() != 0 {
		t.Fatal("invalid plan should be ignored")
	}

	writePlan(t, path, planV2)
	w.Reload()
	if rec.count() != 1 || rec.last().ProcessCount() != 2 {
		t.Fatalf("expected new plan installed, got %d installs", rec.count())
	}
}

func TestRunPicksUpEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	writePlan(t, path, planV1)

	rec := &recorder{}
	w := New(path, "", rec)
	w.SetDebounce(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// let the watcher register before editing
	time.Sleep(100 * time.Millisecond)

	// unrelated files in the directory are ignored
	writePlan(t, filepath.Join(dir, "notes.txt"), "hello")
	writePlan(t, path, planV2)
	waitCount(t, rec, 1)

	if got := rec.last().ProcessCount(); got != 2 {
		t.Errorf("expected 2 processes, got %d", got)
	}

	// atomic replace via rename
	tmp := filepath.Join(dir, "plan.yaml.tmp")
	writePlan(t, tmp, planV1)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	waitCount(t, rec, 2)
}
