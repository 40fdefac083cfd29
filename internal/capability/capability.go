// Package capability verifies that the scan engine is installed and holds the
// file capabilities it needs to open raw sockets as an unprivileged user.
package capability

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"unicode"

	"github.com/anstrom/scanorama-agent/internal/config"
	"github.com/anstrom/scanorama-agent/internal/errors"
	"github.com/anstrom/scanorama-agent/internal/logging"
)

// Engine is the scan engine binary name searched on PATH.
const Engine = "nmap"

// Required lists the capabilities nmap needs for raw-socket scans.
var Required = []string{"cap_net_raw", "cap_net_admin", "cap_net_bind_service"}

// CommandRunner runs an external command and returns its standard output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Gate checks the engine before any scanning starts.
type Gate struct {
	enginePath string
	skipCaps   bool
	logger     *logging.Logger

	lookPath func(file string) (string, error)
	run      CommandRunner
}

// Option customizes a Gate.
type Option func(*Gate)

// WithLookPath replaces the PATH search.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(g *Gate) { g.lookPath = fn }
}

// WithCommandRunner replaces the getcap invocation.
func WithCommandRunner(run CommandRunner) Option {
	return func(g *Gate) { g.run = run }
}

// NewGate creates a Gate from the agent configuration.
func NewGate(cfg *config.Config, logger *logging.Logger, opts ...Option) *Gate {
	g := &Gate{
		enginePath: cfg.Agent.NmapPath,
		skipCaps:   cfg.Agent.SkipCapabilityCheck,
		logger:     logger.WithComponent("capability"),
		lookPath:   exec.LookPath,
		run:        runCommand,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check locates the engine and verifies its capabilities. It returns the
// resolved engine path. Both failure kinds are fatal to the agent.
func (g *Gate) Check(ctx context.Context) (string, error) {
	path, err := g.locate()
	if err != nil {
		return "", err
	}

	if g.skipCaps {
		g.logger.Warn("Skipping capability check", "engine", path)
		return path, nil
	}

	out, err := g.run(ctx, "getcap", path)
	if err != nil {
		return "", errors.Wrap(errors.CodeMissingCapabilities,
			fmt.Sprintf("failed to read %s capabilities", Engine), err).WithOperation("getcap")
	}

	if missing := Missing(string(out)); len(missing) > 0 {
		return "", errors.ErrMissingCapabilities(Engine, missing)
	}

	g.logger.Debug("Engine capabilities verified", "engine", path)
	return path, nil
}

func (g *Gate) locate() (string, error) {
	if g.enginePath == "" {
		path, err := g.lookPath(Engine)
		if err != nil {
			return "", errors.ErrEngineNotFound(Engine, err)
		}
		return path, nil
	}

	info, err := os.Stat(g.enginePath)
	if err != nil {
		return "", errors.ErrEngineNotFound(Engine, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return "", errors.ErrEngineNotFound(Engine,
			fmt.Errorf("%s is not an executable file", g.enginePath))
	}
	return g.enginePath, nil
}

// Missing returns the required capabilities absent from getcap output such as
// "/usr/bin/nmap cap_net_bind_service,cap_net_admin,cap_net_raw=eip".
func Missing(getcapOutput string) []string {
	granted := make(map[string]bool)
	tokens := strings.FieldsFunc(strings.ToLower(getcapOutput), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, tok := range tokens {
		granted[tok] = true
	}

	var missing []string
	for _, c := range Required {
		if !granted[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output() //nolint:gosec // fixed binary, engine path argument
}
