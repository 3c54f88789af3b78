package sysroute

import (
	"context"
	"errors"
	"net/netip"
	"reflect"
	"strings"
	"sync"
	"testing"
)

type recordingRunner struct {
	mu   sync.Mutex
	cmds []string
	err  error
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, name+" "+strings.Join(args, " "))
	return r.err
}

func TestInstallRunsAddressAndTraceroute(t *testing.T) {
	runner := &recordingRunner{}
	router := New(true, "eth0", "2001:db8::1", 64, runner, nil)

	<-router.Install(netip.MustParseAddr("2001:db8::abcd"))

	want := []string{
		"ip addr add 2001:db8::abcd/64 dev eth0",
		"traceroute -s 2001:db8::abcd 2001:db8::1",
	}
	if !reflect.DeepEqual(runner.cmds, want) {
		t.Fatalf("commands = %q", runner.cmds)
	}
}

func TestInstallSkipsTracerouteWithoutGateway(t *testing.T) {
	runner := &recordingRunner{err: errors.New("not permitted")}
	router := New(true, "ens3", "", 48, runner, nil)

	<-router.Install(netip.MustParseAddr("2001:db8::1"))
	if len(runner.cmds) != 1 || runner.cmds[0] != "ip addr add 2001:db8::1/48 dev ens3" {
		t.Fatalf("commands = %q", runner.cmds)
	}
}

func TestDisabledRouterIsNoop(t *testing.T) {
	runner := &recordingRunner{}
	<-New(false, "eth0", "", 64, runner, nil).Install(netip.MustParseAddr("2001:db8::1"))

	var nilRouter *Router
	<-nilRouter.Install(netip.MustParseAddr("2001:db8::1"))

	if len(runner.cmds) != 0 {
		t.Fatalf("disabled router ran %q", runner.cmds)
	}
}
