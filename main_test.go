package main

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/chainguard-dev/nodedriver/internal/ssh"
	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	tests := map[string]struct {
		err      error
		wantCode int
	}{
		"success": {},
		"local error": {
			err:      errors.New("no capacity"),
			wantCode: 1,
		},
		"remote failure": {
			err:      fmt.Errorf("exec: %w", &ssh.CommandFailedError{Command: "false", Result: ssh.CommandResult{Exit: ssh.ExitedWithCode(3)}}),
			wantCode: 3,
		},
		"remote signal": {
			err:      &ssh.CommandFailedError{Command: "sleep 600", Result: ssh.CommandResult{Exit: ssh.KilledBySignal("KILL")}},
			wantCode: 1,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			var stderr bytes.Buffer
			assert.Equal(t, tt.wantCode, exitCode(&stderr, tt.err))
			if tt.err == nil {
				assert.Empty(t, stderr.String())
				return
			}
			assert.Equal(t, "Error: "+tt.err.Error()+"\n", stderr.String())
		})
	}
}
