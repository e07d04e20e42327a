//go:build linux

package stepmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/burrow/pkg/cred"
	"github.com/cuemby/burrow/pkg/wire"
)

// TestAuthorize checks the per-operation rule: signals and reattach
// accept owner or operator; terminate, suspend/resume, and completion
// are operator-only.
func TestAuthorize(t *testing.T) {
	const owner = uint32(500)
	ownerTok := &cred.AuthToken{UID: owner}
	operatorTok := &cred.AuthToken{UID: 0}
	strangerTok := &cred.AuthToken{UID: 777}

	tests := []struct {
		name     string
		body     wire.Body
		owner    bool
		operator bool
		stranger bool
	}{
		{"signal", &wire.SignalTasksRequest{}, true, true, false},
		{"reattach", &wire.ReattachRequest{}, true, true, false},
		{"terminate", &wire.TerminateTasksRequest{}, false, true, false},
		{"suspend", &wire.SuspendRequest{}, false, true, false},
		{"completion", &wire.StepCompleteMsg{}, false, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.owner, authorize(tt.body, ownerTok, owner), "owner")
			assert.Equal(t, tt.operator, authorize(tt.body, operatorTok, owner), "operator")
			assert.Equal(t, tt.stranger, authorize(tt.body, strangerTok, owner), "stranger")
		})
	}
}

func TestOperatorUID(t *testing.T) {
	assert.True(t, operatorUID(0))
	assert.False(t, operatorUID(500))
}
