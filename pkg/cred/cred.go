package cred

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/burrow/pkg/wire"
)

// SigLen is the fixed signature length every capability produces.
const SigLen = sha256.Size

// Credential binds (job, step, uid, node list, per-node task counts) under
// a signature the step manager verifies before admitting a launch.
type Credential struct {
	JobID        uint32
	StepID       uint32
	UserID       uint32
	GroupID      uint32
	Nodes        []string
	TasksPerNode []uint16
	Nonce        string
	Expires      time.Time
	Signature    []byte
}

// HasNode reports whether name appears in the credential's node list.
func (c *Credential) HasNode(name string) bool {
	for _, n := range c.Nodes {
		if n == name {
			return true
		}
	}
	return false
}

// payload packs the signed portion of the credential.
func (c *Credential) payload() []byte {
	b := wire.NewBuffer()
	b.PutU32(c.JobID)
	b.PutU32(c.StepID)
	b.PutU32(c.UserID)
	b.PutU32(c.GroupID)
	b.PutStrings(c.Nodes)
	b.PutU16s(c.TasksPerNode)
	b.PutString(c.Nonce)
	b.PutTime(c.Expires)
	return b.Bytes()
}

// CreateArgs name the binding a new credential carries.
type CreateArgs struct {
	JobID        uint32
	StepID       uint32
	UserID       uint32
	GroupID      uint32
	Nodes        []string
	TasksPerNode []uint16
	Lifetime     time.Duration
}

// Capability issues, validates, and extracts identity from credentials.
// Implementations are registered under a "type/method" identity string
// that is packed ahead of the credential and checked on unpack.
type Capability interface {
	Identity() string
	Create(args CreateArgs) (*Credential, error)
	Verify(c *Credential) error
	Destroy(c *Credential)
	UID(c *Credential) uint32
	GID(c *Credential) uint32
	Pack(c *Credential, b *wire.Buffer)
	Unpack(b *wire.Buffer) (*Credential, error)
	Signature(c *Credential) []byte
}

var registry = map[string]Capability{}

// Register adds a capability implementation to the process registry.
func Register(c Capability) {
	registry[c.Identity()] = c
}

// Lookup finds a registered capability by identity.
func Lookup(identity string) (Capability, error) {
	c, ok := registry[identity]
	if !ok {
		return nil, fmt.Errorf("%w: no credential capability %q", wire.ErrCredInvalid, identity)
	}
	return c, nil
}

// UnpackAny unpacks a credential packed by any registered capability,
// dispatching on the identity prefix.
func UnpackAny(b *wire.Buffer) (Capability, *Credential, error) {
	identity := b.GetString()
	if err := b.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", wire.ErrCredInvalid, err)
	}
	cap, err := Lookup(identity)
	if err != nil {
		return nil, nil, err
	}
	c, err := cap.Unpack(b)
	if err != nil {
		return nil, nil, err
	}
	return cap, c, nil
}

// PackAny packs a credential with its capability's identity prefix.
func PackAny(cap Capability, c *Credential) []byte {
	b := wire.NewBuffer()
	b.PutString(cap.Identity())
	cap.Pack(c, b)
	return b.Bytes()
}

// HMACCapability signs credentials with HMAC-SHA256 under a shared
// cluster key.
type HMACCapability struct {
	key []byte
}

// NewHMAC returns an HMAC capability over the given cluster key.
func NewHMAC(key []byte) *HMACCapability {
	return &HMACCapability{key: key}
}

func (h *HMACCapability) Identity() string { return "cred/hmac" }

func (h *HMACCapability) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, h.key)
	mac.Write(payload)
	return mac.Sum(nil)
}

func (h *HMACCapability) Create(args CreateArgs) (*Credential, error) {
	c := &Credential{
		JobID:        args.JobID,
		StepID:       args.StepID,
		UserID:       args.UserID,
		GroupID:      args.GroupID,
		Nodes:        args.Nodes,
		TasksPerNode: args.TasksPerNode,
		Nonce:        uuid.New().String(),
	}
	if args.Lifetime > 0 {
		c.Expires = time.Now().Add(args.Lifetime).UTC().Truncate(time.Second)
	}
	c.Signature = h.sign(c.payload())
	return c, nil
}

func (h *HMACCapability) Verify(c *Credential) error {
	want := h.sign(c.payload())
	if subtle.ConstantTimeCompare(want, c.Signature) != 1 {
		return fmt.Errorf("%w: bad signature", wire.ErrCredInvalid)
	}
	if !c.Expires.IsZero() && time.Now().After(c.Expires) {
		return fmt.Errorf("%w: expired", wire.ErrCredInvalid)
	}
	return nil
}

func (h *HMACCapability) Destroy(c *Credential) {
	c.Signature = nil
	c.Nodes = nil
}

func (h *HMACCapability) UID(c *Credential) uint32 { return c.UserID }
func (h *HMACCapability) GID(c *Credential) uint32 { return c.GroupID }

func (h *HMACCapability) Pack(c *Credential, b *wire.Buffer) {
	b.PutBytes(c.payload())
	b.PutBytes(c.Signature)
}

func (h *HMACCapability) Unpack(b *wire.Buffer) (*Credential, error) {
	payload := b.GetBytes()
	sig := b.GetBytes()
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrCredInvalid, err)
	}
	pb := wire.NewBufferFrom(payload)
	c := &Credential{}
	c.JobID = pb.GetU32()
	c.StepID = pb.GetU32()
	c.UserID = pb.GetU32()
	c.GroupID = pb.GetU32()
	c.Nodes = pb.GetStrings()
	c.TasksPerNode = pb.GetU16s()
	c.Nonce = pb.GetString()
	c.Expires = pb.GetTime()
	if err := pb.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrCredInvalid, err)
	}
	c.Signature = sig
	return c, nil
}

func (h *HMACCapability) Signature(c *Credential) []byte { return c.Signature }

// VerifyLaunch cross-checks a credential against the launch payload it
// arrived with: signature, node membership, and embedded identity.
func VerifyLaunch(cap Capability, c *Credential, jobID, stepID, uid uint32, node string) error {
	if err := cap.Verify(c); err != nil {
		return err
	}
	if !c.HasNode(node) {
		return fmt.Errorf("%w: node %s not in credential", wire.ErrCredMismatch, node)
	}
	if c.JobID != jobID || c.StepID != stepID || c.UserID != uid {
		return fmt.Errorf("%w: launch names %d.%d uid %d, credential binds %d.%d uid %d",
			wire.ErrCredMismatch, jobID, stepID, uid, c.JobID, c.StepID, c.UserID)
	}
	return nil
}
