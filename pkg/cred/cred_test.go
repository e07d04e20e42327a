package cred

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/wire"
)

func testCap(t *testing.T) *HMACCapability {
	t.Helper()
	return NewHMAC([]byte("cluster-test-key"))
}

func TestCreateVerify(t *testing.T) {
	c := testCap(t)
	tok, err := c.Create(CreateArgs{
		JobID: 7, StepID: 0, UserID: 500, GroupID: 100,
		Nodes:        []string{"n0", "n1"},
		TasksPerNode: []uint16{2, 2},
	})
	require.NoError(t, err)
	assert.Len(t, tok.Signature, SigLen)
	assert.NoError(t, c.Verify(tok))
}

func TestPackUnpackVerifiesUnderSameKey(t *testing.T) {
	c := testCap(t)
	Register(c)
	tok, err := c.Create(CreateArgs{JobID: 1, StepID: 2, UserID: 3, Nodes: []string{"n0"}})
	require.NoError(t, err)

	blob := PackAny(c, tok)
	capability, out, err := UnpackAny(wire.NewBufferFrom(blob))
	require.NoError(t, err)
	assert.Equal(t, c.Identity(), capability.Identity())
	assert.Equal(t, tok.JobID, out.JobID)
	assert.Equal(t, tok.Nonce, out.Nonce)
	assert.NoError(t, capability.Verify(out))
}

func TestVerifyRejectsTamper(t *testing.T) {
	c := testCap(t)
	tok, err := c.Create(CreateArgs{JobID: 1, UserID: 3, Nodes: []string{"n0"}})
	require.NoError(t, err)
	tok.JobID = 2
	assert.ErrorIs(t, c.Verify(tok), wire.ErrCredInvalid)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	c := testCap(t)
	other := NewHMAC([]byte("different-key"))
	tok, err := c.Create(CreateArgs{JobID: 1, Nodes: []string{"n0"}})
	require.NoError(t, err)
	assert.ErrorIs(t, other.Verify(tok), wire.ErrCredInvalid)
}

func TestVerifyRejectsExpired(t *testing.T) {
	c := testCap(t)
	tok, err := c.Create(CreateArgs{JobID: 1, Nodes: []string{"n0"}, Lifetime: -time.Minute})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Verify(tok), wire.ErrCredInvalid)
}

func TestVerifyLaunch(t *testing.T) {
	c := testCap(t)
	tok, err := c.Create(CreateArgs{JobID: 9, StepID: 1, UserID: 42, Nodes: []string{"n0", "n1"}})
	require.NoError(t, err)

	assert.NoError(t, VerifyLaunch(c, tok, 9, 1, 42, "n0"))
	assert.ErrorIs(t, VerifyLaunch(c, tok, 9, 1, 42, "n9"), wire.ErrCredMismatch)
	assert.ErrorIs(t, VerifyLaunch(c, tok, 8, 1, 42, "n0"), wire.ErrCredMismatch)
	assert.ErrorIs(t, VerifyLaunch(c, tok, 9, 1, 41, "n0"), wire.ErrCredMismatch)
}

func TestAuthTokenRoundTrip(t *testing.T) {
	key := []byte("cluster-test-key")
	blob := SignAuth(key, 500, 100)
	tok, err := VerifyAuth(key, blob)
	require.NoError(t, err)
	assert.Equal(t, uint32(500), tok.UID)
	assert.Equal(t, uint32(100), tok.GID)
}

func TestAuthTokenRejectsWrongKey(t *testing.T) {
	blob := SignAuth([]byte("key-a"), 1, 1)
	_, err := VerifyAuth([]byte("key-b"), blob)
	assert.ErrorIs(t, err, wire.ErrCredInvalid)
}

func TestAuthTokenRejectsGarbage(t *testing.T) {
	_, err := VerifyAuth([]byte("k"), []byte{1, 2})
	assert.ErrorIs(t, err, wire.ErrCredInvalid)
}
