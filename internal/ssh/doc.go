// ssh implements the remote execution side of nodedriver over the
// 'x/crypto/ssh' package:
//   - key-only SSH client construction with an explicit host key policy
//   - scoped sessions ('WithSession') which are always closed on exit
//   - command execution on a pty with interleaved stdout/stderr streaming
//     and exit-status / exit-signal capture
//   - single file upload over the SFTP subsystem with progress reporting
//
// Streaming and accumulation are kept apart from console output: commands
// write to an injected 'Sink', results are returned as 'CommandResult'.
//
// NOTE: ALL errors returned by this package will be wrapped with well-known (
// 'errors.Is(...') errors.
package ssh
