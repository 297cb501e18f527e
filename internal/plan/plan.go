// Package plan loads the backend launch plan: an ordered list of service
// groups, each a batch of processes that are spawned together before the
// next group starts.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// FailurePolicy decides what happens to a launch when a process fails to spawn.
type FailurePolicy string

const (
	// PolicyContinue keeps whatever was spawned and moves on to the next group.
	PolicyContinue FailurePolicy = "continue"
	// PolicyRollback terminates everything the launch spawned and aborts it.
	PolicyRollback FailurePolicy = "rollback"
)

// OutputMode controls what happens to a process's stdout and stderr.
type OutputMode string

const (
	OutputCapture OutputMode = "capture"
	OutputDiscard OutputMode = "discard"
)

// Plan is the top-level structure of a plan file.
type Plan struct {
	FailurePolicy FailurePolicy  `yaml:"failure_policy,omitempty"`
	StopTimeout   Duration       `yaml:"stop_timeout,omitempty"`
	Groups        []ServiceGroup `yaml:"groups"`

	// dir is the directory the plan was loaded from.
	dir string
}

// ServiceGroup is one stage of backend startup.
type ServiceGroup struct {
	Name      string        `yaml:"name"`
	After     []string      `yaml:"after,omitempty"`
	Settle    Duration      `yaml:"settle,omitempty"`
	Processes []ProcessSpec `yaml:"processes"`
}

// ProcessSpec describes how to launch one process.
type ProcessSpec struct {
	Name          string            `yaml:"name"`
	Executable    string            `yaml:"executable"`
	Args          []string          `yaml:"args,omitempty"`
	WorkingDir    string            `yaml:"working_dir,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	Output        OutputMode        `yaml:"output,omitempty"`
	ForwardOutput bool              `yaml:"forward_output,omitempty"`
	Network       *Network          `yaml:"network,omitempty"`
	Health        *HealthCheck      `yaml:"health,omitempty"`
}

type Network struct {
	Port int `yaml:"port"`
}

type HealthCheck struct {
	Type        string   `yaml:"type"` // "http" | "tcp" | "exec"
	Path        string   `yaml:"path,omitempty"`
	Port        int      `yaml:"port,omitempty"`
	Command     string   `yaml:"command,omitempty"` // exec only
	Interval    Duration `yaml:"interval"`
	Timeout     Duration `yaml:"timeout"`
	GracePeriod Duration `yaml:"grace_period,omitempty"`
	Threshold   int      `yaml:"unhealthy_threshold,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "3s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Load reads, parses and validates a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving plan path %s: %w", path, err)
	}

	p, err := Parse(data, filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a plan document. Relative working directories are resolved
// against baseDir.
func Parse(data []byte, baseDir string) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	p.dir = baseDir
	p.applyDefaults()

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validating: %w", err)
	}
	return &p, nil
}

func (p *Plan) applyDefaults() {
	if p.FailurePolicy == "" {
		p.FailurePolicy = PolicyContinue
	}
	for gi := range p.Groups {
		g := &p.Groups[gi]
		for pi := range g.Processes {
			ps := &g.Processes[pi]
			if ps.Output == "" {
				ps.Output = OutputCapture
			}
			switch {
			case ps.WorkingDir == "":
				ps.WorkingDir = p.dir
			case !filepath.IsAbs(ps.WorkingDir) && p.dir != "":
				ps.WorkingDir = filepath.Join(p.dir, ps.WorkingDir)
			}
		}
	}
}

// Dir returns the directory the plan was loaded from.
func (p *Plan) Dir() string {
	return p.dir
}

// Hash returns a SHA-256 digest of the plan's canonical YAML encoding.
func (p *Plan) Hash() string {
	data, err := yaml.Marshal(p)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ProcessCount returns the number of processes across all groups.
func (p *Plan) ProcessCount() int {
	n := 0
	for _, g := range p.Groups {
		n += len(g.Processes)
	}
	return n
}

// ResolveExecutable returns the path the process is launched from. Relative
// executables are taken relative to the working directory; $PATH is never
// consulted.
func (s ProcessSpec) ResolveExecutable() string {
	if filepath.IsAbs(s.Executable) {
		return s.Executable
	}
	return filepath.Join(s.WorkingDir, s.Executable)
}

// NeedsDynamicPort reports whether the process asked for a port to be
// allocated at launch.
func (s ProcessSpec) NeedsDynamicPort() bool {
	return s.Network != nil && s.Network.Port == 0
}

// Validate checks that a plan is well-formed.
func (p *Plan) Validate() error {
	switch p.FailurePolicy {
	case PolicyContinue, PolicyRollback:
	default:
		return fmt.Errorf("failure_policy must be \"continue\" or \"rollback\", got %q", p.FailurePolicy)
	}
	if p.StopTimeout.Duration < 0 {
		return fmt.Errorf("stop_timeout must not be negative")
	}
	if len(p.Groups) == 0 {
		return fmt.Errorf("at least one group is required")
	}

	groups := make(map[string]bool, len(p.Groups))
	processes := make(map[string]string)
	for _, g := range p.Groups {
		if !nameRe.MatchString(g.Name) {
			return fmt.Errorf("group name %q is invalid: must match %s", g.Name, nameRe)
		}
		if groups[g.Name] {
			return fmt.Errorf("duplicate group %q", g.Name)
		}
		groups[g.Name] = true

		if g.Settle.Duration < 0 {
			return fmt.Errorf("group %q: settle must not be negative", g.Name)
		}
		if len(g.Processes) == 0 {
			return fmt.Errorf("group %q has no processes", g.Name)
		}
		for _, ps := range g.Processes {
			if other, ok := processes[ps.Name]; ok {
				return fmt.Errorf("process %q in group %q already declared in group %q", ps.Name, g.Name, other)
			}
			processes[ps.Name] = g.Name
			if err := ps.validate(); err != nil {
				return fmt.Errorf("group %q: %w", g.Name, err)
			}
		}
	}

	for _, g := range p.Groups {
		for _, dep := range g.After {
			if !groups[dep] {
				return fmt.Errorf("group %q is after unknown group %q", g.Name, dep)
			}
			if dep == g.Name {
				return fmt.Errorf("group %q cannot be after itself", g.Name)
			}
		}
	}

	if _, err := p.StartOrder(); err != nil {
		return err
	}
	return nil
}

func (s ProcessSpec) validate() error {
	if !nameRe.MatchString(s.Name) {
		return fmt.Errorf("process name %q is invalid: must match %s", s.Name, nameRe)
	}
	if s.Executable == "" {
		return fmt.Errorf("process %q: executable is required", s.Name)
	}

	switch s.Output {
	case OutputCapture, OutputDiscard, "":
	default:
		return fmt.Errorf("process %q: output must be \"capture\" or \"discard\", got %q", s.Name, s.Output)
	}
	if s.ForwardOutput && s.Output == OutputDiscard {
		return fmt.Errorf("process %q: forward_output requires output: capture", s.Name)
	}

	if n := s.Network; n != nil && (n.Port < 0 || n.Port > 65535) {
		return fmt.Errorf("process %q: network.port %d out of range", s.Name, n.Port)
	}

	if h := s.Health; h != nil {
		switch h.Type {
		case "http":
			if h.Path == "" {
				return fmt.Errorf("process %q: health.path is required for http health checks", s.Name)
			}
		case "tcp":
		case "exec":
			if h.Command == "" {
				return fmt.Errorf("process %q: health.command is required for exec health checks", s.Name)
			}
		default:
			return fmt.Errorf("process %q: health.type must be \"http\", \"tcp\", or \"exec\", got %q", s.Name, h.Type)
		}
		if h.Type != "exec" && h.Port == 0 && s.Network == nil {
			return fmt.Errorf("process %q: %s health check needs health.port or a network block", s.Name, h.Type)
		}
		if h.Interval.Duration <= 0 {
			return fmt.Errorf("process %q: health.interval must be positive", s.Name)
		}
		if h.Timeout.Duration <= 0 {
			return fmt.Errorf("process %q: health.timeout must be positive", s.Name)
		}
	}

	return nil
}
