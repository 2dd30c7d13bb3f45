package ec2

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/nodedriver/internal/types"
)

var ErrNoHostname = fmt.Errorf("running instance has neither a public DNS name nor a public IP")

// StartNode provisions the node named 'name' and waits until its SSH port
// accepts TCP connections.
func (d *Driver) StartNode(ctx context.Context, name string) (desc types.Descriptor, err error) {
	ctx, end := span(ctx, "StartNode", nodeAttr(name))
	defer end(&err)
	api, err := d.Connect(ctx)
	if err != nil {
		return types.Descriptor{}, err
	}
	inst, err := d.provision(ctx, api, name)
	if err != nil {
		return types.Descriptor{}, err
	}
	if inst.Hostname == "" {
		return types.Descriptor{}, fmt.Errorf("%w: %s", ErrNoHostname, inst.ID)
	}
	if err := d.waitTCP(ctx, inst.Hostname, d.cfg.SSHPort); err != nil {
		return types.Descriptor{}, err
	}
	desc = types.Descriptor{
		Name:     name,
		Hostname: inst.Hostname,
		User:     d.cfg.User,
		KeyFile:  d.store.KeyFile(),
	}
	clog.FromContext(ctx).Info("node is reachable", "node", desc.String())
	return desc, nil
}

// waitTCP waits for a TCP port to become reachable on provided target 'host'.
func (d *Driver) waitTCP(ctx context.Context, host string, port uint16) error {
	log := clog.FromContext(ctx).With("host", host, "port", port)
	log.Debug("beginning wait for EC2 instance to become reachable via SSH")
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	dialer := &net.Dialer{
		Timeout: d.cfg.ProbeTimeout,
	}
	return d.poller("reachable").until(ctx, "ssh port reachable", func(ctx context.Context) (bool, error) {
		return tcpPortOpen(ctx, dialer, target), nil
	})
}

func tcpPortOpen(ctx context.Context, dialer *net.Dialer, target string) bool {
	log := clog.FromContext(ctx).With("target", target)
	log.Debug("checking target TCP port reachability")
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		log.Debug("target is not yet reachable", "error", err)
		return false
	}
	if err := conn.Close(); err != nil {
		log.Warn("encountered error closing TCP connection", "error", err)
	}
	log.Debug("target is now reachable")
	return true
}
