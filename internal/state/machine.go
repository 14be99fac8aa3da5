package state

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mergesync/internal/errdefs"
	"mergesync/internal/event"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// Machine 服务全局状态机，同时记录各组件健康状态
type Machine struct {
	mu         sync.RWMutex
	state      ServiceState
	since      time.Time
	components map[string]*Component
	lastError  *ComponentErrorInfo
	bus        *event.Bus
}

func New(bus *event.Bus) *Machine {
	return &Machine{
		state:      Starting,
		since:      time.Now(),
		components: make(map[string]*Component),
		bus:        bus,
	}
}

// State 返回当前全局状态
func (m *Machine) State() ServiceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transition 切换全局状态
// 重复设置当前状态为 no-op；除 Error 和 Error -> ControlChannelReady 恢复外只能前进
func (m *Machine) Transition(to ServiceState) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !allowed(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	m.since = time.Now()
	m.mu.Unlock()

	slog.Info("服务状态变更", "from", from.String(), "to", to.String())
	m.bus.Publish(event.Event{Kind: event.StateChanged, Payload: StateChange{From: from, To: to}})
	return nil
}

func allowed(from, to ServiceState) bool {
	switch {
	case to == Error:
		return true
	case from == Error:
		return to == ControlChannelReady || to == ShuttingDown
	case to == ShuttingDown:
		return true
	case from == ShuttingDown:
		return false
	default:
		return to > from
	}
}

// CanPerform 判断当前状态下是否允许执行某类操作
func (m *Machine) CanPerform(op Operation) bool {
	return canPerform(m.State(), op)
}

func canPerform(s ServiceState, op Operation) bool {
	switch op {
	case OpStatusQuery, OpConfigQuery:
		return s >= ControlChannelReady
	case OpConfigure:
		return s >= ControlChannelReady && s <= Running
	case OpFilesystem:
		return s == Ready || s == Running
	case OpSync, OpEvict:
		return s == Running
	default:
		return false
	}
}

// Check 与 CanPerform 相同，但返回 StateError
func (m *Machine) Check(op Operation) error {
	s := m.State()
	if canPerform(s, op) {
		return nil
	}
	return errdefs.New(errdefs.KindState, op.String(), "",
		fmt.Errorf("%w (state=%s)", errdefs.ErrNotAllowed, s))
}

// SetComponent 更新组件状态，离开 Error 时清除错误
func (m *Machine) SetComponent(name string, status ComponentStatus) {
	m.mu.Lock()
	c := m.component(name)
	changed := c.Status != status
	c.Status = status
	if status != ComponentError {
		c.Err = nil
	}
	c.Updated = time.Now()
	snapshot := *c
	m.mu.Unlock()

	if changed {
		m.bus.Publish(event.Event{Kind: event.ComponentChanged, Payload: snapshot})
	}
}

// ReportError 组件进入 Error；不可恢复的错误将全局状态推向 Error
func (m *Machine) ReportError(name string, info ComponentErrorInfo) {
	if info.Time.IsZero() {
		info.Time = time.Now()
	}

	m.mu.Lock()
	c := m.component(name)
	c.Status = ComponentError
	c.Err = &info
	c.Updated = info.Time
	m.lastError = &info
	snapshot := *c
	m.mu.Unlock()

	slog.Error("组件错误",
		"component", name,
		"code", info.Code,
		"message", info.Message,
		"recoverable", info.Recoverable,
	)
	m.bus.Publish(event.Event{Kind: event.ComponentChanged, Payload: snapshot})

	if !info.Recoverable {
		_ = m.Transition(Error)
	}
}

// Recover 从 Error 状态恢复到 ControlChannelReady
func (m *Machine) Recover() error {
	if m.State() != Error {
		return nil
	}
	return m.Transition(ControlChannelReady)
}

// Component 返回单个组件状态
func (m *Machine) Component(name string) (Component, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.components[name]
	if !ok {
		return Component{}, false
	}
	return *c, true
}

// Snapshot 聚合全局与组件状态
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		State:      m.state,
		Since:      m.since,
		Healthy:    m.state != Error,
		Components: make(map[string]Component, len(m.components)),
	}
	if m.lastError != nil {
		e := *m.lastError
		snap.LastError = &e
	}
	for name, c := range m.components {
		snap.Components[name] = *c
		if c.Status == ComponentError {
			snap.Healthy = false
		}
	}
	return snap
}

// component 必须在持有写锁时调用
func (m *Machine) component(name string) *Component {
	c, ok := m.components[name]
	if !ok {
		c = &Component{Name: name, Status: NotStarted}
		m.components[name] = c
	}
	return c
}
