package quote

import (
	"fmt"
	"time"
)

// Phase 为自动刷新状态。
type Phase string

const (
	PhaseStopped Phase = "stopped"
	PhaseRunning Phase = "running"
	PhasePaused  Phase = "paused"
)

// Event 为刷新状态机事件。
type Event string

const (
	EventStart  Event = "start"
	EventPause  Event = "pause"
	EventResume Event = "resume"
	EventStop   Event = "stop"
	EventCycle  Event = "cycle"
)

// RefreshState 记录一个刷新周期的起点与累计暂停时长，用于倒计时。
type RefreshState struct {
	phase       Phase
	interval    time.Duration
	cycleStart  time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
}

// NewRefreshState 创建停止状态的刷新状态机。
func NewRefreshState(interval time.Duration) *RefreshState {
	return &RefreshState{phase: PhaseStopped, interval: interval}
}

// Phase 返回当前状态。
func (s *RefreshState) Phase() Phase {
	return s.phase
}

// Apply 执行事件，非法迁移返回错误且状态不变。
func (s *RefreshState) Apply(ev Event, now time.Time) error {
	switch ev {
	case EventStart:
		if s.phase != PhaseStopped {
			return s.invalid(ev)
		}
		s.phase = PhaseRunning
		s.resetCycle(now)
	case EventPause:
		if s.phase != PhaseRunning {
			return s.invalid(ev)
		}
		s.phase = PhasePaused
		s.pausedAt = now
	case EventResume:
		if s.phase != PhasePaused {
			return s.invalid(ev)
		}
		s.phase = PhaseRunning
		s.pausedTotal += now.Sub(s.pausedAt)
		s.pausedAt = time.Time{}
	case EventStop:
		s.phase = PhaseStopped
		s.pausedAt = time.Time{}
		s.pausedTotal = 0
	case EventCycle:
		if s.phase != PhaseRunning {
			return s.invalid(ev)
		}
		s.resetCycle(now)
	default:
		return fmt.Errorf("quote: 未知刷新事件 %q", ev)
	}
	return nil
}

func (s *RefreshState) resetCycle(now time.Time) {
	s.cycleStart = now
	s.pausedTotal = 0
	s.pausedAt = time.Time{}
}

func (s *RefreshState) invalid(ev Event) error {
	return fmt.Errorf("quote: 状态 %s 不接受事件 %s", s.phase, ev)
}

// Remaining 返回距下次刷新的剩余时间，暂停期间倒计时冻结。
func (s *RefreshState) Remaining(now time.Time) time.Duration {
	var elapsed time.Duration
	switch s.phase {
	case PhaseRunning:
		elapsed = now.Sub(s.cycleStart) - s.pausedTotal
	case PhasePaused:
		elapsed = s.pausedAt.Sub(s.cycleStart) - s.pausedTotal
	default:
		return 0
	}
	if left := s.interval - elapsed; left > 0 {
		return left
	}
	return 0
}
