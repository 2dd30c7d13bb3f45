package drivers

import (
	"context"

	"github.com/chainguard-dev/nodedriver/internal/types"
)

const (
	// LogAttributeKey is the key where remote command output is surfaced in
	// log records.
	LogAttributeKey = "node_log"
)

// Provisioner manages the lifecycle of named nodes.
type Provisioner interface {
	// StartNode returns a descriptor for the running node named 'name',
	// creating it if needed. It only returns once the node accepts SSH
	// connections.
	StartNode(ctx context.Context, name string) (types.Descriptor, error)
	// Terminate destroys every running node named 'name'.
	Terminate(ctx context.Context, name string) error
	// TerminateUnnamed destroys every running node without a name.
	TerminateUnnamed(ctx context.Context) error
	// TerminateAll destroys every running node.
	TerminateAll(ctx context.Context) error
}
