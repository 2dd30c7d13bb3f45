package mock

import "golang.org/x/crypto/ssh"

// marshalExitStatus marshals the standard 'exit-status' message body to
// indicate to the caller the exit code of the executed process.
func marshalExitStatus(exitCode uint32) []byte {
	return ssh.Marshal(struct {
		Status uint32
	}{exitCode})
}

// marshalExitSignal marshals the 'exit-signal' message body sent instead of
// 'exit-status' when the process was killed. 'signal' carries no "SIG"
// prefix.
func marshalExitSignal(signal string) []byte {
	return ssh.Marshal(struct {
		Signal     string
		CoreDumped bool
		Error      string
		Lang       string
	}{Signal: signal})
}

// unmarshalCommand extracts the command line from an 'exec' request.
func unmarshalCommand(payload []byte) (string, error) {
	var msg struct {
		Command string
	}
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return "", err
	}
	return msg.Command, nil
}

// unmarshalTerm extracts the terminal type from a 'pty-req' request.
func unmarshalTerm(payload []byte) (string, error) {
	var msg struct {
		Term     string
		Columns  uint32
		Rows     uint32
		Width    uint32
		Height   uint32
		Modelist string
	}
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return "", err
	}
	return msg.Term, nil
}
