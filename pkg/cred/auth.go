package cred

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/wire"
)

// AuthWindow bounds how stale a request authenticator may be.
const AuthWindow = 5 * time.Minute

// AuthToken identifies the caller of one RPC. It is signed with the same
// cluster key the credential capability holds and travels in the message
// header's authenticator blob.
type AuthToken struct {
	UID       uint32
	GID       uint32
	Timestamp time.Time
	Signature []byte
}

func authPayload(uid, gid uint32, ts time.Time) []byte {
	b := wire.NewBuffer()
	b.PutU32(uid)
	b.PutU32(gid)
	b.PutTime(ts)
	return b.Bytes()
}

// SignAuth builds a fresh authenticator for the caller.
func SignAuth(key []byte, uid, gid uint32) []byte {
	ts := time.Now().UTC().Truncate(time.Second)
	mac := hmac.New(sha256.New, key)
	mac.Write(authPayload(uid, gid, ts))

	b := wire.NewBuffer()
	b.PutU32(uid)
	b.PutU32(gid)
	b.PutTime(ts)
	b.PutBytes(mac.Sum(nil))
	return b.Bytes()
}

// VerifyAuth validates an authenticator blob and extracts the caller.
func VerifyAuth(key, blob []byte) (*AuthToken, error) {
	b := wire.NewBufferFrom(blob)
	t := &AuthToken{}
	t.UID = b.GetU32()
	t.GID = b.GetU32()
	t.Timestamp = b.GetTime()
	t.Signature = b.GetBytes()
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrCredInvalid, err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(authPayload(t.UID, t.GID, t.Timestamp))
	if subtle.ConstantTimeCompare(mac.Sum(nil), t.Signature) != 1 {
		return nil, fmt.Errorf("%w: bad authenticator signature", wire.ErrCredInvalid)
	}
	age := time.Since(t.Timestamp)
	if age > AuthWindow || age < -AuthWindow {
		return nil, fmt.Errorf("%w: authenticator outside window", wire.ErrCredInvalid)
	}
	return t, nil
}
