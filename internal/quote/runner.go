package quote

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type command int

const (
	cmdInput command = iota
	cmdRefresh
	cmdPause
	cmdResume
)

// runner 串行处理单个会话的输入、刷新与暂停事件。
type runner struct {
	o      *Orchestrator
	id     uuid.UUID
	cmds   chan command
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state *RefreshState
}

func newRunner(o *Orchestrator, id uuid.UUID, cancel context.CancelFunc) *runner {
	return &runner{
		o:      o,
		id:     id,
		cmds:   make(chan command, 8),
		cancel: cancel,
		done:   make(chan struct{}),
		state:  NewRefreshState(o.opts.RefreshInterval),
	}
}

func (r *runner) post(c command) {
	select {
	case r.cmds <- c:
	case <-r.done:
	}
}

func (r *runner) countdown(now time.Time) (Phase, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Phase(), r.state.Remaining(now)
}

func (r *runner) apply(ev Event) {
	r.mu.Lock()
	err := r.state.Apply(ev, r.o.now())
	r.mu.Unlock()
	if err != nil {
		r.o.logger.Debug("忽略刷新事件", zap.String("session", r.id.String()), zap.Error(err))
	}
}

func (r *runner) run(ctx context.Context) {
	defer close(r.done)
	defer r.apply(EventStop)

	r.apply(EventStart)
	if sess, err := r.o.store.Get(r.id); err == nil && sess.RefreshPaused {
		r.apply(EventPause)
	}

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	refresh := time.NewTimer(r.o.opts.RefreshInterval)
	defer debounce.Stop()
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-r.cmds:
			switch c {
			case cmdInput:
				if r.o.opts.Debounce <= 0 {
					r.cycle(ctx, false)
					continue
				}
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(r.o.opts.Debounce)
			case cmdRefresh:
				r.cycle(ctx, true)
				resetTimer(refresh, r.o.opts.RefreshInterval)
			case cmdPause:
				r.apply(EventPause)
			case cmdResume:
				r.apply(EventResume)
				_, left := r.countdown(r.o.now())
				resetTimer(refresh, left)
			}
		case <-debounce.C:
			// 输入编辑在暂停期间仍会触发报价，暂停只影响定时刷新。
			r.cycle(ctx, false)
			resetTimer(refresh, r.o.opts.RefreshInterval)
		case <-refresh.C:
			phase, _ := r.countdown(r.o.now())
			if phase != PhaseRunning {
				continue
			}
			r.cycle(ctx, false)
			resetTimer(refresh, r.o.opts.RefreshInterval)
		}
	}
}

// cycle 准备并异步发起报价；新的周期不等待旧请求，旧结果由报价键丢弃。
func (r *runner) cycle(ctx context.Context, force bool) {
	sess, ok, err := r.o.prepare(r.id, force)
	if err != nil {
		r.o.logger.Warn("准备报价失败", zap.String("session", r.id.String()), zap.Error(err))
		return
	}
	r.apply(EventCycle)
	if !ok {
		return
	}
	r.o.wg.Add(1)
	go func() {
		defer r.o.wg.Done()
		r.o.fetch(ctx, sess)
	}()
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if d <= 0 {
		d = time.Millisecond
	}
	t.Reset(d)
}
