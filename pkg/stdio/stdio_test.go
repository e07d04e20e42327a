package stdio

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/wire"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{Type: MsgStderr, GTaskID: 3, LTaskID: 1, Length: 99}
	buf := h.Pack(nil)
	assert.Len(t, buf, HeaderLen)
	out := &Header{}
	require.NoError(t, out.Unpack(buf))
	assert.Equal(t, h, out)
}

func TestWriteReadMsg(t *testing.T) {
	var buf bytes.Buffer
	h := &Header{Type: MsgStdout, GTaskID: 2, LTaskID: 0}
	require.NoError(t, WriteMsg(&buf, h, []byte("hello\n")))

	rh, body, err := ReadMsg(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgStdout, rh.Type)
	assert.Equal(t, uint16(2), rh.GTaskID)
	assert.Equal(t, []byte("hello\n"), body)
}

func TestReadMsgTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMsg(&buf, &Header{Type: MsgStdout}, []byte("payload")))
	full := buf.Bytes()
	_, _, err := ReadMsg(bytes.NewReader(full[:len(full)-2]))
	assert.ErrorIs(t, err, wire.ErrMalformedFrame)
}

func TestInitValidate(t *testing.T) {
	sig := bytes.Repeat([]byte{0xab}, 32)
	var buf bytes.Buffer
	require.NoError(t, WriteInit(&buf, 5, sig))

	m, err := ReadInit(&buf)
	require.NoError(t, err)
	assert.Equal(t, IOProtocolVersion, m.Version)
	assert.Equal(t, uint32(5), m.NodeID)
	assert.NoError(t, ValidateInit(m, sig))

	// Wrong signature fails closed.
	bad := bytes.Repeat([]byte{0xcd}, 32)
	assert.ErrorIs(t, ValidateInit(m, bad), wire.ErrCredInvalid)

	// Wrong version fails closed.
	m.Version = 0xb000
	assert.ErrorIs(t, ValidateInit(m, sig), wire.ErrVersionMismatch)
}

// TestPoolExhaustion checks Get fails with ErrWouldBlock when drained and
// recovers once a buffer is released.
func TestPoolExhaustion(t *testing.T) {
	p := NewPool(2)
	a, err := p.Get()
	require.NoError(t, err)
	b, err := p.Get()
	require.NoError(t, err)

	_, err = p.Get()
	assert.ErrorIs(t, err, wire.ErrWouldBlock)

	a.Release()
	c, err := p.Get()
	require.NoError(t, err)
	assert.NotNil(t, c)

	b.Release()
	c.Release()
	assert.Equal(t, 2, p.Free())
}

func TestBufRefCounting(t *testing.T) {
	p := NewPool(1)
	b, err := p.Get()
	require.NoError(t, err)
	b.Ref() // two holders now
	b.Release()
	_, err = p.Get()
	assert.ErrorIs(t, err, wire.ErrWouldBlock, "buffer still referenced")
	b.Release()
	_, err = p.Get()
	assert.NoError(t, err, "last release returns the buffer")
}

func TestCacheReplayOrderAndEviction(t *testing.T) {
	c := NewCache(3)
	for i := 0; i < 5; i++ {
		c.Add(&Header{Type: MsgStdout, GTaskID: uint16(i)}, []byte{byte(i)})
	}
	assert.Equal(t, 3, c.Len())

	var got []uint16
	require.NoError(t, c.Replay(func(h *Header, body []byte) error {
		got = append(got, h.GTaskID)
		assert.Equal(t, []byte{byte(h.GTaskID)}, body)
		return nil
	}))
	assert.Equal(t, []uint16{2, 3, 4}, got, "oldest first, earliest evicted")
}

func TestLineBuffer(t *testing.T) {
	lb := NewLineBuffer(8)
	assert.Empty(t, lb.Add([]byte("par")))
	chunks := lb.Add([]byte("tial\nnext"))
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte("partial\n"), chunks[0])

	// Forced flush at max.
	chunks = lb.Add([]byte("aaaa"))
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte("nextaaaa"), chunks[0])

	assert.Nil(t, lb.Flush())
	lb.Add([]byte("end"))
	assert.Equal(t, []byte("end"), lb.Flush())
}

func TestLabelWriter(t *testing.T) {
	var out bytes.Buffer
	w := NewLabelWriter(&out, 7)
	w.Write([]byte("hello "))  //nolint:errcheck
	w.Write([]byte("world\n")) //nolint:errcheck
	w.Write([]byte("two\nthree\n")) //nolint:errcheck
	assert.Equal(t, "7: hello world\n7: two\n7: three\n", out.String())
}

// TestServerAttachReplay checks a reattaching client receives the cached
// messages in arrival order before live traffic.
func TestServerAttachReplay(t *testing.T) {
	s := NewServer(ServerConfig{
		NodeID:    3,
		Signature: bytes.Repeat([]byte{0x11}, 32),
	})
	s.cache.Add(&Header{Type: MsgStdout, GTaskID: 0}, []byte("one\n"))
	s.cache.Add(&Header{Type: MsgStderr, GTaskID: 1}, []byte("two\n"))

	client, server := net.Pipe()
	done := make(chan struct{})
	var init *InitMsg
	var replayed [][]byte
	go func() {
		defer close(done)
		var err error
		init, err = ReadInit(client)
		if err != nil {
			return
		}
		for i := 0; i < 2; i++ {
			_, body, err := ReadMsg(client)
			if err != nil {
				return
			}
			replayed = append(replayed, body)
		}
	}()

	require.NoError(t, s.Attach(server))
	<-done
	require.NotNil(t, init)
	assert.Equal(t, uint32(3), init.NodeID)
	assert.Equal(t, [][]byte{[]byte("one\n"), []byte("two\n")}, replayed)
	s.Shutdown()
	client.Close()
}
