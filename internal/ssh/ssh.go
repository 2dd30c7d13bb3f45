package ssh

// ssh.go builds authenticated SSH client connections.

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/nodedriver/internal/types"
	"golang.org/x/crypto/ssh"
)

const (
	sshDefaultTimeout = 10 * time.Second
	sshDefaultPort    = 22
)

var (
	ErrSSHFailedDial   = fmt.Errorf("failed to establish SSH connection")
	ErrFailedHostParse = fmt.Errorf("failed to parse hostname")
	ErrHostKeyInvalid  = fmt.Errorf("target's host key is invalid")
	ErrHostKeyPolicy   = fmt.Errorf("no host key policy configured")
)

// Target identifies a node to open a session against.
type Target struct {
	// Host can be any of: hostname, ipv4 address or ipv6 address. If empty,
	// ipv4 loopback is used.
	Host string
	// Port defaults to 22.
	Port uint16
	User string
	// KeyFile is the path to the only private key offered for
	// authentication. Password and agent authentication are never attempted.
	KeyFile string
	// HostKeys decides which host keys are accepted. The zero value accepts
	// none, callers must pick a policy explicitly.
	HostKeys HostKeyPolicy
}

// TargetFor builds a target from a node descriptor. Provisioned nodes are
// ephemeral and present host keys nobody has seen before, so they are
// reached with 'TrustEphemeralHostKeys'.
func TargetFor(desc types.Descriptor, port uint16) Target {
	return Target{
		Host:     desc.Hostname,
		Port:     port,
		User:     desc.User,
		KeyFile:  desc.KeyFile,
		HostKeys: TrustEphemeralHostKeys,
	}
}

// HostKeyPolicy decides whether the host key presented by a target is
// accepted.
type HostKeyPolicy struct {
	trustEphemeral bool
	pinned         []ssh.PublicKey
}

// TrustEphemeralHostKeys accepts whatever host key the target presents for
// the lifetime of a single connection. The key is logged but never written
// to a known_hosts store.
//
// This disables host key verification. It exists for freshly provisioned
// nodes whose host keys cannot be known in advance.
var TrustEphemeralHostKeys = HostKeyPolicy{trustEphemeral: true}

// PinnedHostKeys accepts only the provided host keys.
func PinnedHostKeys(keys ...ssh.PublicKey) HostKeyPolicy {
	return HostKeyPolicy{pinned: keys}
}

func (p HostKeyPolicy) callback(ctx context.Context) ssh.HostKeyCallback {
	log := clog.FromContext(ctx)
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if p.trustEphemeral {
			log.Debug(
				"accepting ephemeral host key",
				"host", hostname,
				"fingerprint", ssh.FingerprintSHA256(key),
			)
			return nil
		}
		if len(p.pinned) == 0 {
			return ErrHostKeyPolicy
		}
		for _, hostKey := range p.pinned {
			if bytes.Equal(hostKey.Marshal(), key.Marshal()) {
				return nil
			}
		}
		return ErrHostKeyInvalid
	}
}

// Connect establishes an SSH connection to 'target', authenticating solely
// with the private key at 'target.KeyFile'.
func Connect(ctx context.Context, target Target) (*ssh.Client, error) {
	signer, err := LoadKey(target.KeyFile)
	if err != nil {
		return nil, err
	}
	return connectWithSigner(ctx, target, signer)
}

func connectWithSigner(ctx context.Context, target Target, signer ssh.Signer) (*ssh.Client, error) {
	if target.Host == "" {
		target.Host = "127.0.0.1"
	}
	if target.Port == 0 {
		target.Port = sshDefaultPort
	}
	config := &ssh.ClientConfig{
		User: target.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: target.HostKeys.callback(ctx),
		Timeout:         sshDefaultTimeout,
	}
	// Parse the host + port combination to a dial-compatible 'addr'.
	addr, err := joinHostPort(ctx, target.Host, target.Port)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: sshDefaultTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedDial, err)
	}
	// Bound the handshake, then clear the deadline for the session itself.
	_ = conn.SetDeadline(time.Now().Add(sshDefaultTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedDial, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// joinHostPort parses and validates 'host' is a valid IPv4 or IPv6 address,
// then joins it with the port in the address-family-specific format.
//
// If 'host' is a hostname, the hostname will be resolved, then joinHostPort
// will recurse using the first of the resolved addresses.
func joinHostPort(ctx context.Context, host string, port uint16) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if addr := net.ParseIP(host); addr == nil {
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil || len(addrs) == 0 {
			return "", fmt.Errorf("%w: %s", ErrFailedHostParse, host)
		}
		return joinHostPort(ctx, addrs[0], port)
	} else if ipv4 := addr.To4(); ipv4 != nil {
		return fmt.Sprintf("%s:%d", ipv4.String(), port), nil
	} else {
		return fmt.Sprintf("[%s]:%d", addr.String(), port), nil
	}
}
