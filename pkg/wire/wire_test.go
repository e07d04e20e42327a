package wire

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

// TestBodyRoundTrip checks unpack(pack(v)) == v for every message type.
func TestBodyRoundTrip(t *testing.T) {
	bodies := []Body{
		&RCResponse{RC: CodeJobNotFound, Msg: "job not found"},
		&AllocateRequest{
			Name: "mpi", UserID: 500, GroupID: 100, Partition: "batch",
			Account: "physics", Priority: 10, Dependency: 3,
			Req: ResourceRequest{
				MinNodes: 2, MaxNodes: 4, MinCPUs: 8, MinMemory: 1024, MinTmpDisk: 2048,
				ReqNodes: []string{"n0", "n1"}, ExcNodes: []string{"n9"},
				Features: []string{"ib"}, Contiguous: true, Shared: false, TimeLimit: 60,
			},
			Immediate: true,
		},
		&SubmitBatchRequest{
			AllocateRequest: AllocateRequest{Name: "batch", UserID: 7},
			Script:          "#!/bin/sh\necho hi\n",
			Cwd:             "/home/u",
			Env:             []string{"A=1", "B=2"},
		},
		&JobInfoRequest{UpdateTime: ts(1000), JobID: 42},
		&JobInfoResponse{
			LastUpdate: ts(2000),
			Jobs: []JobInfoRecord{{
				JobID: 1, Name: "j", UserID: 2, Partition: "p", State: 1, Reason: 2,
				Priority: 100, SubmitTime: ts(10), StartTime: ts(20), EndTime: ts(30),
				TimeLimit: 60, Nodes: []string{"n0"}, ExitCode: 0,
			}},
		},
		&NodeInfoRequest{UpdateTime: ts(5)},
		&NodeInfoResponse{
			LastUpdate: ts(6),
			Nodes: []NodeInfoRecord{{
				Name: "n0", State: 2, Flags: 1, CPUs: 16, RealMemory: 64000,
				TmpDisk: 100000, Features: []string{"gpu"}, Reason: "ok",
			}},
		},
		&PartitionInfoRequest{UpdateTime: ts(7)},
		&PartitionInfoResponse{
			LastUpdate: ts(8),
			Partitions: []PartitionInfoRecord{{
				Name: "batch", NodePattern: "n[0-3]", Default: true, Up: true,
				Shared: 1, MaxTime: 120, MinNodes: 1, MaxNodes: 4,
				TotalNodes: 4, TotalCPUs: 64,
			}},
		},
		&StepCreateRequest{
			JobID: 9, UserID: 3, Name: "step", TaskCount: 8, NodeCount: 2,
			Dist: 1, Plane: 2, ReqNodes: []string{"n0"},
		},
		&StepCreateResponse{
			StepID: 1,
			Layout: LayoutBlob{
				Nodes: []string{"n0", "n1"}, Tasks: []uint16{2, 2},
				TIDs: [][]uint32{{0, 1}, {2, 3}}, TaskCount: 4,
			},
			CredBlob: []byte{1, 2, 3},
		},
		&LaunchTasksRequest{
			JobID: 9, StepID: 1, UserID: 3, GroupID: 4,
			CredBlob: []byte{9, 9},
			Layout: LayoutBlob{
				Nodes: []string{"n0"}, Tasks: []uint16{1},
				TIDs: [][]uint32{{0}}, TaskCount: 1,
			},
			Env: []string{"X=1"}, Argv: []string{"hostname"}, Cwd: "/tmp",
			RespPorts: []uint16{4444}, IOPorts: []uint16{5555},
			BufferedIO: true, StdinMode: StdinOne, StdinTaskID: 0,
			OutPattern: "out.%j.%t",
		},
		&LaunchTasksResponse{
			JobID: 9, StepID: 1, NodeName: "n0", RC: 0,
			PIDs: []uint32{100, 101}, GTIDs: []uint32{0, 1},
		},
		&SignalTasksRequest{JobID: 9, StepID: 1, Signal: 15},
		&TerminateTasksRequest{JobID: 9, StepID: 1},
		&KillJobRequest{JobID: 9, StepID: 1, Signal: 9},
		&ReattachRequest{
			JobID: 9, StepID: 1, RespAddr: "h:1", IOAddr: "h:2",
			Signature: []byte{0xaa, 0xbb},
		},
		&ReattachResponse{
			NodeName: "n0", RC: 0, PIDs: []uint32{5}, GTIDs: []uint32{0},
			Executable: "hostname",
		},
		&FileBcastRequest{JobID: 9, Path: "/tmp/x", Seq: 1, Data: []byte("payload")},
		&StepCompleteMsg{
			JobID: 9, StepID: 1, RangeFirst: 0, RangeLast: 7, StepRC: 2,
			MaxRSS: 1 << 20, UserUsec: 100, SystemUsec: 50,
		},
		&TaskExitMsg{JobID: 9, StepID: 1, TaskIDs: []uint32{0, 1}, ReturnCode: 1},
		&NodeFailMsg{JobID: 9, StepID: 1, Nodes: []string{"n1"}},
		&StepTimeoutMsg{JobID: 9, StepID: 1},
		&CompleteJobAllocationRequest{JobID: 9, RC: 0},
		&SuspendRequest{JobID: 9, Op: SuspendOpResume},
		&CheckpointRequest{JobID: 9, StepID: 1, Op: 2},
		&JobEndTimeRequest{JobID: 9},
		&JobEndTimeResponse{JobID: 9, EndTime: ts(999)},
		&PMIKVSPutRequest{JobID: 9, StepID: 1, Key: "k", Value: "v"},
		&PMIKVSGetRequest{JobID: 9, StepID: 1, Key: "k"},
		&PMIKVSGetResponse{RC: 0, Value: "v"},
		&TriggerSetRequest{Name: "t", Kind: "node-down", Target: "n0", Program: "/bin/true"},
		&TriggerGetRequest{Name: "t"},
		&TriggerGetResponse{Names: []string{"t"}, Kinds: []string{"k"}, Targets: []string{"n0"}, Programs: []string{"p"}},
		&TriggerClearRequest{Name: "t"},
		&ForwardFailedResponse{NodeName: "n3", RC: CodeForwardFailed},
	}

	for _, body := range bodies {
		t.Run(body.Type().String(), func(t *testing.T) {
			b := NewBuffer()
			body.Pack(b)

			fresh, err := NewBody(body.Type())
			require.NoError(t, err)
			require.NoError(t, fresh.Unpack(NewBufferFrom(b.Bytes())))
			assert.Equal(t, body, fresh)

			// Canonical form: packing the unpacked value is bit-stable.
			b2 := NewBuffer()
			fresh.Pack(b2)
			assert.Equal(t, b.Bytes(), b2.Bytes())
		})
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Version: ProtocolVersion,
		Flags:   3,
		Type:    MsgRequestLaunchTasks,
		BodyLen: 77,
		RetCnt:  4,
		Forward: Forward{
			Fanout:  8,
			Timeout: 10 * time.Second,
			Nodes:   []string{"n1", "n2"},
		},
		OrigAddr: "10.0.0.1:6817",
		Auth:     []byte{1, 2, 3},
	}
	b := NewBuffer()
	h.Pack(b)
	out := &Header{}
	require.NoError(t, out.Unpack(NewBufferFrom(b.Bytes())))
	assert.Equal(t, h, out)
}

func TestCheckHeaderVersion(t *testing.T) {
	assert.NoError(t, CheckHeaderVersion(&Header{Version: ProtocolVersion}))
	assert.ErrorIs(t, CheckHeaderVersion(&Header{Version: ProtocolVersion + 1}), ErrVersionMismatch)
	assert.ErrorIs(t, CheckHeaderVersion(&Header{Version: 0}), ErrVersionMismatch)
}

func TestWriteReadMsg(t *testing.T) {
	var buf bytes.Buffer
	body := &RCResponse{RC: CodeSuccess, Msg: "ok"}
	h := NewHeader(body.Type())
	require.NoError(t, WriteMsg(&buf, h, body))

	rh, rbody, err := ReadMsg(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgResponseRC, rh.Type)
	assert.Equal(t, body, rbody)
}

// TestReadMsgTruncated checks an EOF before the declared body length is a
// framing error, not a silent truncation.
func TestReadMsgTruncated(t *testing.T) {
	var buf bytes.Buffer
	body := &RCResponse{RC: 1, Msg: "a long enough message body"}
	require.NoError(t, WriteMsg(&buf, NewHeader(body.Type()), body))
	full := buf.Bytes()

	for _, cut := range []int{1, 5, len(full) - 3} {
		_, _, err := ReadMsg(bytes.NewReader(full[:cut]))
		assert.Error(t, err, "cut at %d", cut)
		if cut > 4 {
			assert.ErrorIs(t, err, ErrMalformedFrame, "cut at %d", cut)
		}
	}
}

func TestReadMsgUnknownType(t *testing.T) {
	var buf bytes.Buffer
	h := NewHeader(MsgType(9999))
	require.NoError(t, WriteMsg(&buf, h, nil))
	rh, body, err := ReadMsg(&buf)
	require.NotNil(t, rh)
	assert.Nil(t, body)
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
	// The stream is not corrupted: a following message still parses.
	require.NoError(t, WriteMsg(&buf, NewHeader(MsgResponseRC), &RCResponse{RC: 0}))
	_, next, err := ReadMsg(&buf)
	require.NoError(t, err)
	assert.IsType(t, &RCResponse{}, next)
}

func TestBufferShortReads(t *testing.T) {
	b := NewBufferFrom([]byte{0x01})
	assert.Equal(t, uint32(0), b.GetU32())
	assert.ErrorIs(t, b.Err(), ErrReadTooShort)
}

func TestErrorCodeMapping(t *testing.T) {
	for code, sentinel := range codeToErr {
		assert.Equal(t, code, CodeFor(sentinel))
		assert.ErrorIs(t, ErrorFor(code), sentinel)
		assert.NotEmpty(t, Strerror(code))
	}
	assert.Nil(t, ErrorFor(CodeSuccess))
	assert.Equal(t, CodeSuccess, CodeFor(nil))
	assert.Equal(t, CodeInternal, CodeFor(io.ErrUnexpectedEOF))
}
