package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameLen bounds a single header or body so a corrupt length prefix
// cannot drive an unbounded allocation.
const maxFrameLen = 64 << 20

// WriteMsg frames and writes one message: u32 header length, packed
// header, then BodyLen body bytes.
func WriteMsg(w io.Writer, h *Header, body Body) error {
	bb := NewBuffer()
	if body != nil {
		body.Pack(bb)
	}
	h.BodyLen = uint32(bb.Len())

	hb := NewBuffer()
	h.Pack(hb)

	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(hb.Len()))
	if _, err := w.Write(lenbuf[:]); err != nil {
		return fmt.Errorf("write header length: %w", err)
	}
	if _, err := w.Write(hb.Bytes()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(bb.Bytes()); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// ReadMsg reads one framed message. An EOF before the declared body length
// is a framing error, never a silent truncation.
func ReadMsg(r io.Reader) (*Header, Body, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		if err == io.EOF {
			return nil, nil, io.EOF
		}
		return nil, nil, fmt.Errorf("%w: header length: %v", ErrMalformedFrame, err)
	}
	hlen := binary.BigEndian.Uint32(lenbuf[:])
	if hlen == 0 || hlen > maxFrameLen {
		return nil, nil, fmt.Errorf("%w: header length %d", ErrMalformedFrame, hlen)
	}

	hraw := make([]byte, hlen)
	if _, err := io.ReadFull(r, hraw); err != nil {
		return nil, nil, fmt.Errorf("%w: header: %v", ErrMalformedFrame, err)
	}
	h := &Header{}
	if err := h.Unpack(NewBufferFrom(hraw)); err != nil {
		return nil, nil, fmt.Errorf("%w: header: %v", ErrMalformedFrame, err)
	}
	if err := CheckHeaderVersion(h); err != nil {
		return nil, nil, err
	}
	if h.BodyLen > maxFrameLen {
		return nil, nil, fmt.Errorf("%w: body length %d", ErrMalformedFrame, h.BodyLen)
	}

	braw := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, braw); err != nil {
		return nil, nil, fmt.Errorf("%w: body: %v", ErrMalformedFrame, err)
	}

	body, err := NewBody(h.Type)
	if err != nil {
		// The frame itself was well formed; the type is unknown. Report
		// it without corrupting the stream for the caller.
		return h, nil, err
	}
	if err := body.Unpack(NewBufferFrom(braw)); err != nil {
		return h, nil, fmt.Errorf("%w: %s body: %v", ErrMalformedFrame, h.Type, err)
	}
	return h, body, nil
}
