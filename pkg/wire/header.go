package wire

import "time"

// ProtocolVersion is the current inter-role protocol version.
const ProtocolVersion uint16 = 0x0100

// MinProtocolVersion is the oldest version this build still speaks.
const MinProtocolVersion uint16 = 0x0100

// Forward is the forward directive embedded in every header. Nodes lists
// the hosts the recipient must relay the message to; Fanout is the explicit
// branching factor (it travels with the message rather than being agreed
// out-of-band); Timeout bounds each hop.
type Forward struct {
	Fanout  uint16
	Timeout time.Duration
	Nodes   []string
}

func (f *Forward) pack(b *Buffer) {
	b.PutU16(f.Fanout)
	b.PutU32(uint32(f.Timeout / time.Millisecond))
	b.PutStrings(f.Nodes)
}

func (f *Forward) unpack(b *Buffer) {
	f.Fanout = b.GetU16()
	f.Timeout = time.Duration(b.GetU32()) * time.Millisecond
	f.Nodes = b.GetStrings()
}

// Header frames every message as header || body. Auth is the request's
// authenticator blob, opaque to the codec.
type Header struct {
	Version  uint16
	Flags    uint16
	Type     MsgType
	BodyLen  uint32
	RetCnt   uint16
	Forward  Forward
	OrigAddr string
	Auth     []byte
}

// NewHeader returns a header for one message at the current version.
func NewHeader(t MsgType) *Header {
	return &Header{Version: ProtocolVersion, Type: t}
}

func (h *Header) Pack(b *Buffer) {
	b.PutU16(h.Version)
	b.PutU16(h.Flags)
	b.PutU16(uint16(h.Type))
	b.PutU32(h.BodyLen)
	b.PutU16(h.RetCnt)
	h.Forward.pack(b)
	b.PutString(h.OrigAddr)
	b.PutBytes(h.Auth)
}

func (h *Header) Unpack(b *Buffer) error {
	h.Version = b.GetU16()
	h.Flags = b.GetU16()
	h.Type = MsgType(b.GetU16())
	h.BodyLen = b.GetU32()
	h.RetCnt = b.GetU16()
	h.Forward.unpack(b)
	h.OrigAddr = b.GetString()
	h.Auth = b.GetBytes()
	return b.Err()
}

// CheckHeaderVersion rejects messages whose version is not mutually
// supported.
func CheckHeaderVersion(h *Header) error {
	if h.Version > ProtocolVersion || h.Version < MinProtocolVersion {
		return ErrVersionMismatch
	}
	return nil
}
