// ec2 provisions and tears down single-purpose EC2 instances, each
// identified by the value of its 'Name' tag.
//
// # Overview
//
// A node is a running instance carrying a 'Name' tag. The driver never
// caches instance state: every operation lists or describes instances
// afresh, so the provider is always the source of truth.
//
// # Provisioning
//
// 'Provision' is idempotent per name. If a running instance already carries
// the name it is returned as-is, otherwise a new instance is launched and
// the driver waits for it to reach "running" before applying the 'Name' tag.
// 'StartNode' additionally waits for the SSH port to accept TCP connections
// and hands back a 'types.Descriptor' for the remote execution driver.
//
// # Teardown
//
// 'Terminate', 'TerminateUnnamed' and 'TerminateAll' select running
// instances by name, by the absence of a name, or not at all. Each selected
// instance is terminated and polled until it reports "terminated".
//
// # Waiting
//
// All waits poll every 'Config.PollInterval'. By default they wait forever,
// 'Config.WaitTimeout' and 'Config.MaxPollAttempts' bound them. The caller's
// context is honoured throughout.
//
// NOTE: ALL errors returned by this package will be wrapped with well-known (
// 'errors.Is(...') errors. Provider failures wrap 'ErrProvider' and are never
// retried.
package ec2
