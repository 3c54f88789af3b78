// Package sysroute adds freshly drawn source addresses to a local
// interface so the kernel accepts binding to them.
package sysroute

import (
	"context"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"
	"time"

	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/logger"
)

const commandTimeout = 30 * time.Second

// Runner executes one command line.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Router installs addresses on an interface. A nil or disabled Router is a no-op.
type Router struct {
	enabled   bool
	iface     string
	gateway   string
	prefixLen int
	runner    Runner
	log       logger.Logger
}

// New returns a Router; runner defaults to os/exec.
func New(enabled bool, iface, gateway string, prefixLen int, runner Runner, log logger.Logger) *Router {
	if runner == nil {
		runner = execRunner{}
	}
	return &Router{
		enabled:   enabled,
		iface:     strings.TrimSpace(iface),
		gateway:   strings.TrimSpace(gateway),
		prefixLen: prefixLen,
		runner:    runner,
		log:       logger.Ensure(log),
	}
}

// Enabled reports whether addresses are installed at all.
func (r *Router) Enabled() bool { return r != nil && r.enabled }

// Commands returns the command lines Install runs for addr.
func (r *Router) Commands(addr netip.Addr) [][]string {
	cmds := [][]string{{"ip", "addr", "add", fmt.Sprintf("%s/%d", addr, r.prefixLen), "dev", r.iface}}
	if r.gateway != "" {
		cmds = append(cmds, []string{"traceroute", "-s", addr.String(), r.gateway})
	}
	return cmds
}

// Install runs the route commands for addr in the background. The returned
// channel is closed once they have finished; failures are only logged.
func (r *Router) Install(addr netip.Addr) <-chan struct{} {
	done := make(chan struct{})
	if !r.Enabled() || !addr.IsValid() {
		close(done)
		return done
	}

	cmds := r.Commands(addr)
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		for _, cmd := range cmds {
			r.log.DebugObj("running route command", "route_command", strings.Join(cmd, " "))
			if err := r.runner.Run(ctx, cmd[0], cmd[1:]...); err != nil {
				r.log.WarnObj("route command failed", "route_error", map[string]any{
					"address": addr.String(),
					"error":   err.Error(),
				})
			}
		}
	}()
	return done
}
