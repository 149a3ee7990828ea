package nm

// State is one node lifecycle state.
type State int

const (
	StateJoined State = iota
	StateNetQuery
	StateNetConfigure
	StateNetFactoryReset
	StateNetRemove
	StateCloudAdd
	StateCloudUpdate
	StateCloudRemove
	StateReady
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateJoined:
		return "JOINED"
	case StateNetQuery:
		return "NET_QUERY"
	case StateNetConfigure:
		return "NET_CONFIGURE"
	case StateNetFactoryReset:
		return "NET_FACTORY_RESET"
	case StateNetRemove:
		return "NET_REMOVE"
	case StateCloudAdd:
		return "CLOUD_ADD"
	case StateCloudUpdate:
		return "CLOUD_UPDATE"
	case StateCloudRemove:
		return "CLOUD_REMOVE"
	case StateReady:
		return "READY"
	case StateRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// ParseState recovers a State from its persisted name, used by
// conf_loaded to resume nodes at their last management_state. An unrecognized
// name resumes at READY.
func ParseState(s string) State {
	switch s {
	case "JOINED":
		return StateJoined
	case "NET_QUERY":
		return StateNetQuery
	case "NET_CONFIGURE":
		return StateNetConfigure
	case "NET_FACTORY_RESET":
		return StateNetFactoryReset
	case "NET_REMOVE":
		return StateNetRemove
	case "CLOUD_ADD":
		return StateCloudAdd
	case "CLOUD_UPDATE":
		return StateCloudUpdate
	case "CLOUD_REMOVE":
		return StateCloudRemove
	case "READY":
		return StateReady
	case "REMOVED":
		return StateRemoved
	default:
		return StateReady
	}
}

// NetworkResult is the outcome of a network-layer callback.
type NetworkResult int

const (
	NetworkSuccess NetworkResult = iota
	NetworkOffline
	NetworkUnknown
	NetworkUnsupported
)

// CloudResult is the outcome of a cloud-layer callback.
type CloudResult int

const (
	CloudErrNone CloudResult = iota
	CloudErrConn
	CloudErrApp
	CloudErrUnknown
)

// ConnectOutcome is the fine-grained
// connect result, carried
// alongside NetworkResult by network handlers that want to distinguish
// these cases for logging/metrics without changing the state-machine
// contract.
type ConnectOutcome int

const (
	ConnectUnknownError ConnectOutcome = iota - 4
	ConnectInProgress
	ConnectNoNode
	ConnectNoDevice
	ConnectSuccess
	ConnectAddDone
	ConnectUpdateDone
	ConnectAlreadyDone
)
