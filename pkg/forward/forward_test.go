package forward

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/wire"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func TestSplitSpans(t *testing.T) {
	nodes := []string{"a", "b", "c", "d", "e", "f", "g"}
	spans := splitSpans(nodes, 3)
	require.Len(t, spans, 3, "ceil(7/3) roots")
	var flat []string
	for _, s := range spans {
		flat = append(flat, s...)
	}
	assert.Equal(t, nodes, flat)
}

// fakeNode answers one message with a plain RC reply tagged by name,
// relaying any forward directive through the shared address table. Each
// observed authenticator blob lands in seenAuth (may be nil).
func fakeNode(t *testing.T, name string, addrs map[string]string, seenAuth map[string][]byte, mu *sync.Mutex) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	addrs[name] = ln.Addr().String()
	resolve := func(n string) (string, error) {
		a, ok := addrs[n]
		if !ok {
			return "", assert.AnError
		}
		return a, nil
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				h, body, err := wire.ReadMsg(conn)
				if err != nil {
					return
				}
				if mu != nil {
					mu.Lock()
					seenAuth[name] = h.Auth
					mu.Unlock()
				}
				recs := Relay(h, body, name, func() (wire.MsgType, wire.Body) {
					return wire.MsgResponseRC, &wire.RCResponse{RC: wire.CodeSuccess}
				}, resolve)
				Reply(conn, recs) //nolint:errcheck
			}(conn)
		}
	}()
}

// TestSendAggregates checks every target yields exactly one record; dead
// nodes yield synthetic response-forward-failed records.
func TestSendAggregates(t *testing.T) {
	addrs := map[string]string{"n2": "127.0.0.1:1"} // nothing listens on n2
	fakeNode(t, "n0", addrs, nil, nil)
	fakeNode(t, "n1", addrs, nil, nil)
	tree := New(func(n string) (string, error) { return addrs[n], nil })
	tree.Fanout = 8
	tree.Timeout = 2 * time.Second

	recs := tree.Send([]string{"n0", "n1", "n2"}, wire.MsgRequestTerminateTasks,
		&wire.TerminateTasksRequest{JobID: 1})

	require.Len(t, recs, 3, "one record per node")
	byNode := map[string]RetDataInfo{}
	for _, r := range recs {
		byNode[r.Node] = r
	}
	assert.Equal(t, wire.CodeSuccess, byNode["n0"].Err)
	assert.Equal(t, wire.CodeSuccess, byNode["n1"].Err)
	assert.Equal(t, wire.CodeForwardFailed, byNode["n2"].Err)
	assert.Equal(t, wire.MsgResponseForwardFailed, byNode["n2"].Type)
}

// TestRelayChain checks a forwarded message reaches the directive's
// children and their records aggregate at the sender.
func TestRelayChain(t *testing.T) {
	addrs := map[string]string{}
	for _, n := range []string{"r0", "c1", "c2"} {
		fakeNode(t, n, addrs, nil, nil)
	}
	tree := New(func(n string) (string, error) { return addrs[n], nil })
	tree.Fanout = 4 // a single root relays to both children
	tree.Timeout = 2 * time.Second

	recs := tree.Send([]string{"r0", "c1", "c2"}, wire.MsgRequestTerminateTasks,
		&wire.TerminateTasksRequest{JobID: 1})
	require.Len(t, recs, 3)
	seen := map[string]bool{}
	for _, r := range recs {
		seen[r.Node] = true
		assert.Equal(t, wire.CodeSuccess, r.Err, r.Node)
	}
	assert.Len(t, seen, 3)
}

// TestAuthPropagates checks the sender's authenticator blob is stamped
// on the root hop and relayed verbatim to every forwarded child.
func TestAuthPropagates(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]byte{}
	addrs := map[string]string{}
	for _, n := range []string{"r0", "c1", "c2"} {
		fakeNode(t, n, addrs, seen, &mu)
	}
	blob := []byte("signed-authenticator")
	tree := New(func(n string) (string, error) { return addrs[n], nil })
	tree.Fanout = 4
	tree.Timeout = 2 * time.Second
	tree.Auth = func() []byte { return blob }

	recs := tree.Send([]string{"r0", "c1", "c2"}, wire.MsgRequestTerminateTasks,
		&wire.TerminateTasksRequest{JobID: 1})
	require.Len(t, recs, 3)

	mu.Lock()
	defer mu.Unlock()
	for _, n := range []string{"r0", "c1", "c2"} {
		assert.Equal(t, blob, seen[n], "authenticator at %s", n)
	}
}

func TestEmptyTarget(t *testing.T) {
	tree := New(func(string) (string, error) { return "", nil })
	assert.Nil(t, tree.Send(nil, wire.MsgRequestKillJob, &wire.KillJobRequest{}))
}
