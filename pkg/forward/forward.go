package forward

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/wire"
)

// DefaultFanout is the branching factor used when the caller does not set
// one. It travels in the forward directive rather than being agreed
// out-of-band.
const DefaultFanout = 8

// DefaultTimeout is the per-hop timeout.
const DefaultTimeout = 10 * time.Second

// RetDataInfo is one leaf's reply record. Every node in the target set
// produces exactly one record, synthetic response-forward-failed records
// included.
type RetDataInfo struct {
	Node string
	Type wire.MsgType
	Err  uint32
	Data wire.Body
}

// AddrFunc resolves a node name to its comm address.
type AddrFunc func(node string) (string, error)

// AuthFunc produces the authenticator blob stamped into every outgoing
// header; receivers verify it before acting.
type AuthFunc func() []byte

// Tree fans an RPC out to a list of nodes and aggregates replies.
type Tree struct {
	Fanout  int
	Timeout time.Duration
	Addr    AddrFunc
	Auth    AuthFunc
	logger  zerolog.Logger
}

// New returns a forwarding tree with defaults applied.
func New(addr AddrFunc) *Tree {
	return &Tree{
		Fanout:  DefaultFanout,
		Timeout: DefaultTimeout,
		Addr:    addr,
		logger:  log.WithComponent("forward"),
	}
}

// Send delivers the message to every node in nodes and returns one record
// per node. The sender contacts ceil(N/F) roots; each root relays to up to
// F children per hop via the forward directive, so worst-case completion
// is about Timeout * log_F(N). Record order is unspecified.
func (t *Tree) Send(nodes []string, msgType wire.MsgType, body wire.Body) []RetDataInfo {
	if len(nodes) == 0 {
		return nil
	}
	fanout := t.Fanout
	if fanout <= 0 {
		fanout = DefaultFanout
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	spans := splitSpans(nodes, fanout)

	var mu sync.Mutex
	var results []RetDataInfo
	var wg sync.WaitGroup
	for _, span := range spans {
		wg.Add(1)
		go func(span []string) {
			defer wg.Done()
			recs := t.sendSpan(span, msgType, body, fanout, timeout)
			mu.Lock()
			results = append(results, recs...)
			mu.Unlock()
		}(span)
	}
	wg.Wait()
	return results
}

// splitSpans slices the node list into ceil(N/F) spans, one per root.
func splitSpans(nodes []string, fanout int) [][]string {
	nroots := (len(nodes) + fanout - 1) / fanout
	spans := make([][]string, 0, nroots)
	per := (len(nodes) + nroots - 1) / nroots
	for i := 0; i < len(nodes); i += per {
		end := i + per
		if end > len(nodes) {
			end = len(nodes)
		}
		spans = append(spans, nodes[i:end])
	}
	return spans
}

// sendSpan contacts span[0] with a forward directive naming span[1:]. A
// dead forwarder converts its whole subtree to synthetic failure records.
func (t *Tree) sendSpan(span []string, msgType wire.MsgType, body wire.Body, fanout int, timeout time.Duration) []RetDataInfo {
	root := span[0]
	children := span[1:]

	recs, err := t.sendOne(root, children, msgType, body, fanout, timeout)
	if err != nil {
		t.logger.Warn().Err(err).Str("node", root).Int("subtree", len(span)).
			Msg("forward root unreachable, synthesizing failure records")
		return failRecords(span, wire.CodeForwardFailed)
	}

	// Any child the root did not answer for becomes a synthetic record.
	answered := make(map[string]bool, len(recs))
	for _, r := range recs {
		answered[r.Node] = true
	}
	for _, n := range span {
		if !answered[n] {
			recs = append(recs, RetDataInfo{
				Node: n,
				Type: wire.MsgResponseForwardFailed,
				Err:  wire.CodeForwardFailed,
				Data: &wire.ForwardFailedResponse{NodeName: n, RC: wire.CodeForwardFailed},
			})
		}
	}
	return recs
}

func (t *Tree) sendOne(node string, fwdNodes []string, msgType wire.MsgType, body wire.Body, fanout int, timeout time.Duration) ([]RetDataInfo, error) {
	addr, err := t.Addr(node)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	hops := 1
	if fanout > 1 {
		for n := len(fwdNodes); n > 0; n /= fanout {
			hops++
		}
	} else {
		hops += len(fwdNodes)
	}
	deadline := time.Now().Add(timeout * time.Duration(hops))
	conn.SetDeadline(deadline) //nolint:errcheck

	h := wire.NewHeader(msgType)
	h.Forward = wire.Forward{
		Fanout:  uint16(fanout),
		Timeout: timeout,
		Nodes:   fwdNodes,
	}
	h.RetCnt = uint16(len(fwdNodes) + 1)
	if t.Auth != nil {
		h.Auth = t.Auth()
	}
	if err := wire.WriteMsg(conn, h, body); err != nil {
		return nil, err
	}

	var recs []RetDataInfo
	want := len(fwdNodes) + 1
	for len(recs) < want {
		rh, rbody, err := wire.ReadMsg(conn)
		if err != nil {
			if len(recs) > 0 {
				// Partial aggregation still counts; the caller fills
				// the gaps with synthetic records.
				return recs, nil
			}
			return nil, err
		}
		recs = append(recs, RetDataInfo{
			Node: rh.OrigAddr,
			Type: rh.Type,
			Err:  errOf(rbody),
			Data: rbody,
		})
		// A single reply may account for an entire aggregated subtree.
		if int(rh.RetCnt) > 1 {
			want -= int(rh.RetCnt) - 1
		}
	}
	return recs, nil
}

func errOf(body wire.Body) uint32 {
	switch m := body.(type) {
	case *wire.RCResponse:
		return m.RC
	case *wire.ForwardFailedResponse:
		return m.RC
	case *wire.LaunchTasksResponse:
		return m.RC
	case *wire.ReattachResponse:
		return m.RC
	}
	return wire.CodeSuccess
}

func failRecords(nodes []string, code uint32) []RetDataInfo {
	recs := make([]RetDataInfo, 0, len(nodes))
	for _, n := range nodes {
		recs = append(recs, RetDataInfo{
			Node: n,
			Type: wire.MsgResponseForwardFailed,
			Err:  code,
			Data: &wire.ForwardFailedResponse{NodeName: n, RC: code},
		})
	}
	return recs
}

// Relay handles the receiving half on a forwarded node: it fans the
// message out to the directive's children, runs the local handler, and
// returns the local record plus every child record for aggregation
// upstream. The inbound authenticator travels with the relayed message
// so each hop verifies the same caller.
func Relay(h *wire.Header, body wire.Body, localNode string, local func() (wire.MsgType, wire.Body), addr AddrFunc) []RetDataInfo {
	t := &Tree{
		Fanout:  int(h.Forward.Fanout),
		Timeout: h.Forward.Timeout,
		Addr:    addr,
		Auth:    func() []byte { return h.Auth },
		logger:  log.WithComponent("forward"),
	}
	var recs []RetDataInfo
	if len(h.Forward.Nodes) > 0 {
		recs = t.Send(h.Forward.Nodes, h.Type, body)
	}
	mt, mb := local()
	recs = append(recs, RetDataInfo{Node: localNode, Type: mt, Err: errOf(mb), Data: mb})
	return recs
}

// Reply writes aggregated records back upstream, one framed message per
// record, tagging each with its leaf's name.
func Reply(conn net.Conn, recs []RetDataInfo) error {
	for _, r := range recs {
		h := wire.NewHeader(r.Type)
		h.OrigAddr = r.Node
		h.RetCnt = 1
		if err := wire.WriteMsg(conn, h, r.Data); err != nil {
			return err
		}
	}
	return nil
}
