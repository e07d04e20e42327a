package wire

// MsgType enumerates every inter-role message.
type MsgType uint16

const (
	MsgInvalid MsgType = iota

	// client -> controller requests
	MsgRequestAllocate
	MsgRequestSubmitBatch
	MsgRequestJobInfo
	MsgRequestNodeInfo
	MsgRequestPartitionInfo
	MsgRequestJobStepCreate
	MsgRequestKillJob
	MsgRequestCompleteJobAllocation
	MsgRequestSuspend
	MsgRequestCheckpoint
	MsgRequestJobEndTime
	MsgRequestTriggerSet
	MsgRequestTriggerGet
	MsgRequestTriggerClear

	// client -> step manager requests
	MsgRequestLaunchTasks
	MsgRequestSignalTasks
	MsgRequestTerminateTasks
	MsgRequestReattach
	MsgRequestFileBcast

	// step manager -> controller / client messages
	MsgStepComplete
	MsgTaskExit
	MsgNodeFail
	MsgStepTimeout

	// PMI
	MsgPMIKVSPut
	MsgPMIKVSGet

	// responses
	MsgResponseRC
	MsgResponseAllocate
	MsgResponseJobInfo
	MsgResponseNodeInfo
	MsgResponsePartitionInfo
	MsgResponseJobStepCreate
	MsgResponseLaunchTasks
	MsgResponseReattach
	MsgResponseJobEndTime
	MsgResponsePMIKVSGet
	MsgResponseTriggerGet
	MsgResponseForwardFailed
)

func (t MsgType) String() string {
	switch t {
	case MsgRequestAllocate:
		return "request-allocate"
	case MsgRequestSubmitBatch:
		return "request-submit-batch"
	case MsgRequestJobInfo:
		return "request-job-info"
	case MsgRequestNodeInfo:
		return "request-node-info"
	case MsgRequestPartitionInfo:
		return "request-partition-info"
	case MsgRequestJobStepCreate:
		return "request-job-step-create"
	case MsgRequestKillJob:
		return "request-kill-job"
	case MsgRequestCompleteJobAllocation:
		return "request-complete-job-allocation"
	case MsgRequestSuspend:
		return "request-suspend"
	case MsgRequestCheckpoint:
		return "request-checkpoint"
	case MsgRequestJobEndTime:
		return "request-job-end-time"
	case MsgRequestTriggerSet:
		return "request-trigger-set"
	case MsgRequestTriggerGet:
		return "request-trigger-get"
	case MsgRequestTriggerClear:
		return "request-trigger-clear"
	case MsgRequestLaunchTasks:
		return "request-launch-tasks"
	case MsgRequestSignalTasks:
		return "request-signal-tasks"
	case MsgRequestTerminateTasks:
		return "request-terminate-tasks"
	case MsgRequestReattach:
		return "request-reattach"
	case MsgRequestFileBcast:
		return "request-file-bcast"
	case MsgStepComplete:
		return "step-complete"
	case MsgTaskExit:
		return "task-exit"
	case MsgNodeFail:
		return "srun-node-fail"
	case MsgStepTimeout:
		return "srun-step-timeout"
	case MsgPMIKVSPut:
		return "pmi-kvs-put"
	case MsgPMIKVSGet:
		return "pmi-kvs-get"
	case MsgResponseRC:
		return "response-rc"
	case MsgResponseAllocate:
		return "response-allocate"
	case MsgResponseJobInfo:
		return "response-job-info"
	case MsgResponseNodeInfo:
		return "response-node-info"
	case MsgResponsePartitionInfo:
		return "response-partition-info"
	case MsgResponseJobStepCreate:
		return "response-job-step-create"
	case MsgResponseLaunchTasks:
		return "response-launch-tasks"
	case MsgResponseReattach:
		return "response-reattach"
	case MsgResponseJobEndTime:
		return "response-job-end-time"
	case MsgResponsePMIKVSGet:
		return "response-pmi-kvs-get"
	case MsgResponseTriggerGet:
		return "response-trigger-get"
	case MsgResponseForwardFailed:
		return "response-forward-failed"
	default:
		return "invalid"
	}
}

// Body is one message body with a canonical wire form.
type Body interface {
	Type() MsgType
	Pack(*Buffer)
	Unpack(*Buffer) error
}

// NewBody returns a zero value of the body for a message type, or
// ErrUnexpectedMessage for types with no registered codec.
func NewBody(t MsgType) (Body, error) {
	switch t {
	case MsgRequestAllocate:
		return &AllocateRequest{}, nil
	case MsgRequestSubmitBatch:
		return &SubmitBatchRequest{}, nil
	case MsgRequestJobInfo:
		return &JobInfoRequest{}, nil
	case MsgRequestNodeInfo:
		return &NodeInfoRequest{}, nil
	case MsgRequestPartitionInfo:
		return &PartitionInfoRequest{}, nil
	case MsgRequestJobStepCreate:
		return &StepCreateRequest{}, nil
	case MsgRequestKillJob:
		return &KillJobRequest{}, nil
	case MsgRequestCompleteJobAllocation:
		return &CompleteJobAllocationRequest{}, nil
	case MsgRequestSuspend:
		return &SuspendRequest{}, nil
	case MsgRequestCheckpoint:
		return &CheckpointRequest{}, nil
	case MsgRequestJobEndTime:
		return &JobEndTimeRequest{}, nil
	case MsgRequestTriggerSet:
		return &TriggerSetRequest{}, nil
	case MsgRequestTriggerGet:
		return &TriggerGetRequest{}, nil
	case MsgRequestTriggerClear:
		return &TriggerClearRequest{}, nil
	case MsgRequestLaunchTasks:
		return &LaunchTasksRequest{}, nil
	case MsgRequestSignalTasks:
		return &SignalTasksRequest{}, nil
	case MsgRequestTerminateTasks:
		return &TerminateTasksRequest{}, nil
	case MsgRequestReattach:
		return &ReattachRequest{}, nil
	case MsgRequestFileBcast:
		return &FileBcastRequest{}, nil
	case MsgStepComplete:
		return &StepCompleteMsg{}, nil
	case MsgTaskExit:
		return &TaskExitMsg{}, nil
	case MsgNodeFail:
		return &NodeFailMsg{}, nil
	case MsgStepTimeout:
		return &StepTimeoutMsg{}, nil
	case MsgPMIKVSPut:
		return &PMIKVSPutRequest{}, nil
	case MsgPMIKVSGet:
		return &PMIKVSGetRequest{}, nil
	case MsgResponseRC:
		return &RCResponse{}, nil
	case MsgResponseAllocate:
		return &AllocateResponse{}, nil
	case MsgResponseJobInfo:
		return &JobInfoResponse{}, nil
	case MsgResponseNodeInfo:
		return &NodeInfoResponse{}, nil
	case MsgResponsePartitionInfo:
		return &PartitionInfoResponse{}, nil
	case MsgResponseJobStepCreate:
		return &StepCreateResponse{}, nil
	case MsgResponseLaunchTasks:
		return &LaunchTasksResponse{}, nil
	case MsgResponseReattach:
		return &ReattachResponse{}, nil
	case MsgResponseJobEndTime:
		return &JobEndTimeResponse{}, nil
	case MsgResponsePMIKVSGet:
		return &PMIKVSGetResponse{}, nil
	case MsgResponseTriggerGet:
		return &TriggerGetResponse{}, nil
	case MsgResponseForwardFailed:
		return &ForwardFailedResponse{}, nil
	default:
		return nil, ErrUnexpectedMessage
	}
}
