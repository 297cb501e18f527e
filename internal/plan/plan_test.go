package plan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullPlan = `
failure_policy: rollback
stop_timeout: 4s
groups:
  - name: python
    settle: 3s
    processes:
      - name: embedding
        executable: ./venv/bin/python3
        args: [-m, src.services.embedding_service]
        working_dir: python-backend
        env:
          LOG_LEVEL: info
        network:
          port: 0
        health:
          type: tcp
          interval: 5s
          timeout: 2s
      - name: gemini
        executable: ./venv/bin/python3
        args: [-m, src.services.gemini_service]
        working_dir: python-backend
        output: discard
  - name: api
    after: [python]
    settle: 2s
    processes:
      - name: perl-api
        executable: /usr/bin/perl
        args: [perl-backend/script/api_server.pl]
        forward_output: true
`

func TestLoadFullPlan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backend.yaml")
	if err := os.WriteFile(path, []byte(fullPlan), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p.FailurePolicy != PolicyRollback {
		t.Errorf("expected rollback policy, got %q", p.FailurePolicy)
	}
	if p.StopTimeout.Duration != 4*time.Second {
		t.Errorf("expected stop_timeout 4s, got %v", p.StopTimeout.Duration)
	}
	if len(p.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(p.Groups))
	}
	if p.ProcessCount() != 3 {
		t.Errorf("expected 3 processes, got %d", p.ProcessCount())
	}

	python := p.Groups[0]
	if python.Settle.Duration != 3*time.Second {
		t.Errorf("expected settle 3s, got %v", python.Settle.Duration)
	}

	emb := python.Processes[0]
	wantDir := filepath.Join(dir, "python-backend")
	if emb.WorkingDir != wantDir {
		t.Errorf("expected working dir %q, got %q", wantDir, emb.WorkingDir)
	}
	if got, want := emb.ResolveExecutable(), filepath.Join(wantDir, "venv/bin/python3"); got != want {
		t.Errorf("expected executable %q, got %q", want, got)
	}
	if len(emb.Args) != 2 || emb.Args[1] != "src.services.embedding_service" {
		t.Errorf("unexpected args %v", emb.Args)
	}
	if emb.Output != OutputCapture {
		t.Errorf("expected default output capture, got %q", emb.Output)
	}
	if !emb.NeedsDynamicPort() {
		t.Error("expected embedding to need a dynamic port")
	}
	if emb.Env["LOG_LEVEL"] != "info" {
		t.Errorf("expected env LOG_LEVEL=info, got %q", emb.Env["LOG_LEVEL"])
	}
	if emb.Health == nil || emb.Health.Interval.Duration != 5*time.Second {
		t.Errorf("unexpected health block %+v", emb.Health)
	}

	if python.Processes[1].Output != OutputDiscard {
		t.Errorf("expected gemini output discard, got %q", python.Processes[1].Output)
	}

	api := p.Groups[1].Processes[0]
	if api.WorkingDir != dir {
		t.Errorf("expected default working dir %q, got %q", dir, api.WorkingDir)
	}
	if api.ResolveExecutable() != "/usr/bin/perl" {
		t.Errorf("expected absolute executable kept, got %q", api.ResolveExecutable())
	}
	if !api.ForwardOutput {
		t.Error("expected forward_output true")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseDefaultsToContinue(t *testing.T) {
	p, err := Parse([]byte(`
groups:
  - name: a
    processes:
      - name: one
        executable: /bin/true
`), "/srv")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.FailurePolicy != PolicyContinue {
		t.Errorf("expected continue policy, got %q", p.FailurePolicy)
	}
	if p.Groups[0].Processes[0].WorkingDir != "/srv" {
		t.Errorf("expected working dir /srv, got %q", p.Groups[0].Processes[0].WorkingDir)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "no groups",
			doc:  `groups: []`,
			want: "at least one group",
		},
		{
			name: "bad policy",
			doc: `
failure_policy: retry
groups:
  - name: a
    processes: [{name: p, executable: /bin/true}]`,
			want: "failure_policy",
		},
		{
			name: "empty group",
			doc: `
groups:
  - name: a
    processes: []`,
			want: "no processes",
		},
		{
			name: "duplicate group",
			doc: `
groups:
  - name: a
    processes: [{name: p, executable: /bin/true}]
  - name: a
    processes: [{name: q, executable: /bin/true}]`,
			want: "duplicate group",
		},
		{
			name: "duplicate process",
			doc: `
groups:
  - name: a
    processes: [{name: p, executable: /bin/true}]
  - name: b
    processes: [{name: p, executable: /bin/true}]`,
			want: "already declared",
		},
		{
			name: "missing executable",
			doc: `
groups:
  - name: a
    processes: [{name: p}]`,
			want: "executable is required",
		},
		{
			name: "invalid name",
			doc: `
groups:
  - name: "bad name"
    processes: [{name: p, executable: /bin/true}]`,
			want: "invalid",
		},
		{
			name: "unknown after",
			doc: `
groups:
  - name: a
    after: [ghost]
    processes: [{name: p, executable: /bin/true}]`,
			want: "unknown group",
		},
		{
			name: "negative settle",
			doc: `
groups:
  - name: a
    settle: -1s
    processes: [{name: p, executable: /bin/true}]`,
			want: "settle",
		},
		{
			name: "forward discarded output",
			doc: `
groups:
  - name: a
    processes: [{name: p, executable: /bin/true, output: discard, forward_output: true}]`,
			want: "forward_output",
		},
		{
			name: "http health without path",
			doc: `
groups:
  - name: a
    processes:
      - name: p
        executable: /bin/true
        network: {port: 8080}
        health: {type: http, interval: 1s, timeout: 1s}`,
			want: "health.path",
		},
		{
			name: "tcp health without port",
			doc: `
groups:
  - name: a
    processes:
      - name: p
        executable: /bin/true
        health: {type: tcp, interval: 1s, timeout: 1s}`,
			want: "health.port",
		},
		{
			name: "bad duration",
			doc: `
groups:
  - name: a
    settle: soon
    processes: [{name: p, executable: /bin/true}]`,
			want: "invalid duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), "/srv")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestHashChangesWithContent(t *testing.T) {
	doc := `
groups:
  - name: a
    settle: 1s
    processes: [{name: p, executable: /bin/true}]`
	a, err := Parse([]byte(doc), "/srv")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Parse([]byte(doc), "/srv")
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash() == "" || a.Hash() != b.Hash() {
		t.Errorf("expected equal non-empty hashes, got %q and %q", a.Hash(), b.Hash())
	}

	c, err := Parse([]byte(strings.Replace(doc, "1s", "2s", 1)), "/srv")
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash() == c.Hash() {
		t.Error("expected hash to change when settle changes")
	}
}
