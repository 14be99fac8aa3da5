package state

import "time"

// ServiceState 全局生命周期状态，按声明顺序单调前进
type ServiceState int

const (
	Starting ServiceState = iota
	ControlChannelReady
	FilesystemMounting
	FilesystemBlocked
	Indexing
	Ready
	Running
	ShuttingDown
	Error
)

var serviceStateNames = map[ServiceState]string{
	Starting:            "starting",
	ControlChannelReady: "control_channel_ready",
	FilesystemMounting:  "filesystem_mounting",
	FilesystemBlocked:   "filesystem_blocked",
	Indexing:            "indexing",
	Ready:               "ready",
	Running:             "running",
	ShuttingDown:        "shutting_down",
	Error:               "error",
}

func (s ServiceState) String() string {
	if n, ok := serviceStateNames[s]; ok {
		return n
	}
	return "unknown"
}

// ComponentStatus 单个子系统的状态
type ComponentStatus int

const (
	NotStarted ComponentStatus = iota
	ComponentStarting
	ComponentReady
	Busy
	Paused
	ComponentError
)

func (s ComponentStatus) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case ComponentStarting:
		return "starting"
	case ComponentReady:
		return "ready"
	case Busy:
		return "busy"
	case Paused:
		return "paused"
	case ComponentError:
		return "error"
	default:
		return "unknown"
	}
}

// Operation 需要状态机放行的操作类别
type Operation int

const (
	OpStatusQuery Operation = iota
	OpConfigQuery
	OpConfigure
	OpFilesystem
	OpSync
	OpEvict
)

func (o Operation) String() string {
	switch o {
	case OpStatusQuery:
		return "status_query"
	case OpConfigQuery:
		return "config_query"
	case OpConfigure:
		return "configure"
	case OpFilesystem:
		return "filesystem"
	case OpSync:
		return "sync"
	case OpEvict:
		return "evict"
	default:
		return "unknown"
	}
}

// ComponentErrorInfo 组件进入 Error 时携带的结构化错误
type ComponentErrorInfo struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	Recoverable bool              `json:"recoverable"`
	Context     map[string]string `json:"context,omitempty"`
	Time        time.Time         `json:"time"`
}

// Component 单个组件的状态快照
type Component struct {
	Name    string              `json:"name"`
	Status  ComponentStatus     `json:"status"`
	Err     *ComponentErrorInfo `json:"error,omitempty"`
	Updated time.Time           `json:"updated"`
}

// Snapshot 全局 + 组件状态的完整快照
type Snapshot struct {
	State      ServiceState         `json:"state"`
	Since      time.Time            `json:"since"`
	Healthy    bool                 `json:"healthy"`
	Components map[string]Component `json:"components"`
	LastError  *ComponentErrorInfo  `json:"last_error,omitempty"`
}

// StateChange 是 event.StateChanged 的 Payload
type StateChange struct {
	From ServiceState
	To   ServiceState
}
