package stdio

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuemby/burrow/pkg/cred"
	"github.com/cuemby/burrow/pkg/wire"
)

// IOProtocolVersion stamps the init message on every stdio connection.
const IOProtocolVersion uint16 = 0xb001

// Stdio message types.
const (
	MsgStdout uint16 = iota
	MsgStderr
	MsgStdin
	MsgAllStdin
	MsgStdinEOF
	MsgConnTest
	MsgInit
)

// HeaderLen is the packed size of a stdio header.
const HeaderLen = 10

// Header frames every stdio message.
type Header struct {
	Type    uint16
	GTaskID uint16
	LTaskID uint16
	Length  uint32
}

// Pack appends the fixed 10-byte header.
func (h *Header) Pack(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, h.Type)
	buf = binary.BigEndian.AppendUint16(buf, h.GTaskID)
	buf = binary.BigEndian.AppendUint16(buf, h.LTaskID)
	buf = binary.BigEndian.AppendUint32(buf, h.Length)
	return buf
}

// Unpack reads the fixed header.
func (h *Header) Unpack(buf []byte) error {
	if len(buf) < HeaderLen {
		return wire.ErrReadTooShort
	}
	h.Type = binary.BigEndian.Uint16(buf[0:2])
	h.GTaskID = binary.BigEndian.Uint16(buf[2:4])
	h.LTaskID = binary.BigEndian.Uint16(buf[4:6])
	h.Length = binary.BigEndian.Uint32(buf[6:10])
	return nil
}

// maxBody bounds one stdio message body.
const maxBody = 1 << 20

// WriteMsg writes one framed stdio message.
func WriteMsg(w io.Writer, h *Header, body []byte) error {
	h.Length = uint32(len(body))
	var hdr [HeaderLen]byte
	h.Pack(hdr[:0])
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// ReadMsg reads one framed stdio message. Short reads surface as framing
// errors.
func ReadMsg(r io.Reader) (*Header, []byte, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, nil, io.EOF
		}
		return nil, nil, fmt.Errorf("%w: stdio header: %v", wire.ErrMalformedFrame, err)
	}
	h := &Header{}
	if err := h.Unpack(hdr[:]); err != nil {
		return nil, nil, err
	}
	if h.Length > maxBody {
		return nil, nil, fmt.Errorf("%w: stdio body length %d", wire.ErrMalformedFrame, h.Length)
	}
	body := make([]byte, h.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, fmt.Errorf("%w: stdio body: %v", wire.ErrMalformedFrame, err)
	}
	return h, body, nil
}

// InitMsg is sent once per connection immediately after accept. The
// receiver validates the version and the credential signature before
// treating the stream as authentic.
type InitMsg struct {
	Version   uint16
	NodeID    uint32
	Signature []byte
}

// WriteInit writes the init message.
func WriteInit(w io.Writer, nodeID uint32, signature []byte) error {
	buf := make([]byte, 0, 8+len(signature))
	buf = binary.BigEndian.AppendUint16(buf, IOProtocolVersion)
	buf = binary.BigEndian.AppendUint32(buf, nodeID)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(signature)))
	buf = append(buf, signature...)
	_, err := w.Write(buf)
	return err
}

// ReadInit reads and structurally validates an init message.
func ReadInit(r io.Reader) (*InitMsg, error) {
	var fixed [8]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, fmt.Errorf("%w: stdio init: %v", wire.ErrMalformedFrame, err)
	}
	m := &InitMsg{
		Version: binary.BigEndian.Uint16(fixed[0:2]),
		NodeID:  binary.BigEndian.Uint32(fixed[2:6]),
	}
	siglen := binary.BigEndian.Uint16(fixed[6:8])
	if siglen > cred.SigLen*2 {
		return nil, fmt.Errorf("%w: init signature length %d", wire.ErrMalformedFrame, siglen)
	}
	m.Signature = make([]byte, siglen)
	if _, err := io.ReadFull(r, m.Signature); err != nil {
		return nil, fmt.Errorf("%w: stdio init signature: %v", wire.ErrMalformedFrame, err)
	}
	return m, nil
}

// ValidateInit checks the version and compares the signature against the
// credential's in constant time.
func ValidateInit(m *InitMsg, signature []byte) error {
	if m.Version != IOProtocolVersion {
		return fmt.Errorf("%w: stdio init version %#x", wire.ErrVersionMismatch, m.Version)
	}
	if len(m.Signature) != len(signature) || !constantTimeEqual(m.Signature, signature) {
		return fmt.Errorf("%w: stdio init signature", wire.ErrCredInvalid)
	}
	return nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
