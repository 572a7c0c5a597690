package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync/atomic"

	"github.com/hypershell/hypershell/internal/template"
)

// SSHConfig holds the ssh.* option group: an opaque invocation template
// (spec §4.8 "an opaque invocation template") and the pool of nodes it
// round-robins across.
type SSHConfig struct {
	// Args is the command and arguments to run, e.g.
	// []string{"ssh", "{}", "hypershell", "client", "--server", "..."}.
	// Each arg is expanded through the template engine with the chosen
	// node as the free variable, so "{}" becomes the node's hostname.
	Args []string
	// NodeList is the pool of hostnames launches round-robin across.
	NodeList []string
}

// SSH launches new clients over ssh by invoking a templated command per
// node, round-robining through NodeList.
type SSH struct {
	cfg    SSHConfig
	logger *slog.Logger
	next   atomic.Uint64
}

// NewSSH builds an SSH launcher.
func NewSSH(cfg SSHConfig, logger *slog.Logger) *SSH {
	return &SSH{cfg: cfg, logger: logger.With("component", "launcher")}
}

// Launch expands cfg.Args against the next node in the pool and runs it.
func (s *SSH) Launch(ctx context.Context) error {
	if len(s.cfg.NodeList) == 0 {
		return fmt.Errorf("launcher: empty node list")
	}
	node := s.pickNode()

	args := make([]string, len(s.cfg.Args))
	for i, a := range s.cfg.Args {
		expanded, err := template.Expand(a, node)
		if err != nil {
			return fmt.Errorf("launcher: expand invocation template: %w", err)
		}
		args[i] = expanded
	}
	if len(args) == 0 {
		return fmt.Errorf("launcher: empty invocation template")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("launcher: launch on %s: %w: %s", node, err, output)
	}
	s.logger.Info("launched client", "node", node)
	return nil
}

func (s *SSH) pickNode() string {
	i := s.next.Add(1) - 1
	return s.cfg.NodeList[int(i)%len(s.cfg.NodeList)]
}
