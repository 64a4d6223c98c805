package protocol

// Status is the first token of every frame.
type Status string

const (
	StatusFailed Status = "FAILED"

	// Bootstrap
	StatusConnect Status = "CONNECT"

	// Client requests and replies
	StatusGet                  Status = "GET"
	StatusGetSuccess           Status = "GET_SUCCESS"
	StatusGetError             Status = "GET_ERROR"
	StatusPut                  Status = "PUT"
	StatusPutSuccess           Status = "PUT_SUCCESS"
	StatusPutUpdate            Status = "PUT_UPDATE"
	StatusPutError             Status = "PUT_ERROR"
	StatusDeleteSuccess        Status = "DELETE_SUCCESS"
	StatusDeleteError          Status = "DELETE_ERROR"
	StatusServerNotResponsible Status = "SERVER_NOT_RESPONSIBLE"
	StatusServerWriteLock      Status = "SERVER_WRITE_LOCK"
	StatusServerStopped        Status = "SERVER_STOPPED"
	StatusKeyrange             Status = "KEYRANGE"
	StatusKeyrangeSuccess      Status = "KEYRANGE_SUCCESS"

	// Coordinator to node
	StatusUpdateMetadata        Status = "UPDATE_METADATA"
	StatusUpdateMetadataSuccess Status = "UPDATE_METADATA_SUCCESS"
	StatusUpdateMetadataError   Status = "UPDATE_METADATA_ERROR"
	StatusSetState              Status = "SET_STATE"
	StatusSetStateSuccess       Status = "SET_STATE_SUCCESS"
	StatusSetStateError         Status = "SET_STATE_ERROR"
	StatusTransfer              Status = "TRANSFER"
	StatusTransferSuccess       Status = "TRANSFER_SUCCESS"
	StatusTransferError         Status = "TRANSFER_ERROR"
	StatusRebalance             Status = "REBALANCE"
	StatusRebalanceSuccess      Status = "REBALANCE_SUCCESS"
	StatusRebalanceError        Status = "REBALANCE_ERROR"
	StatusDeleteKeyrange        Status = "DELETE_KEYRANGE"
	StatusDeleteKeyrangeSuccess Status = "DELETE_KEYRANGE_SUCCESS"
	StatusDeleteKeyrangeError   Status = "DELETE_KEYRANGE_ERROR"
	StatusWagwan                Status = "WAGWAN"

	// Node to coordinator
	StatusShuttingDown Status = "SHUTTING_DOWN"

	// Node to node
	StatusTransferPut Status = "TRANSFER_PUT"
)

var knownStatuses = map[Status]struct{}{}

func init() {
	for _, s := range []Status{
		StatusFailed, StatusConnect,
		StatusGet, StatusGetSuccess, StatusGetError,
		StatusPut, StatusPutSuccess, StatusPutUpdate, StatusPutError,
		StatusDeleteSuccess, StatusDeleteError,
		StatusServerNotResponsible, StatusServerWriteLock, StatusServerStopped,
		StatusKeyrange, StatusKeyrangeSuccess,
		StatusUpdateMetadata, StatusUpdateMetadataSuccess, StatusUpdateMetadataError,
		StatusSetState, StatusSetStateSuccess, StatusSetStateError,
		StatusTransfer, StatusTransferSuccess, StatusTransferError,
		StatusRebalance, StatusRebalanceSuccess, StatusRebalanceError,
		StatusDeleteKeyrange, StatusDeleteKeyrangeSuccess, StatusDeleteKeyrangeError,
		StatusWagwan, StatusShuttingDown, StatusTransferPut,
	} {
		knownStatuses[s] = struct{}{}
	}
}

// IsKnown reports whether s is part of the protocol.
func (s Status) IsKnown() bool {
	_, ok := knownStatuses[s]
	return ok
}

// NodeState is the lifecycle state of a storage node.
type NodeState string

const (
	StateStopped     NodeState = "STOPPED"
	StateActive      NodeState = "ACTIVE"
	StateWriteLocked NodeState = "WRITE_LOCKED"
)

// ParseNodeState accepts the three wire names.
func ParseNodeState(s string) (NodeState, bool) {
	switch NodeState(s) {
	case StateStopped, StateActive, StateWriteLocked:
		return NodeState(s), true
	}
	return "", false
}
