package swap

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Listener 在会话每次成功合并后被调用。
type Listener func(Session)

// Store 持有全部会话，所有写入都串行经过 Reduce。
type Store struct {
	mu        sync.RWMutex
	sessions  map[uuid.UUID]Session
	listeners []Listener
	now       func() time.Time
}

// NewStore 创建会话存储。
func NewStore() *Store {
	return &Store{
		sessions: make(map[uuid.UUID]Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe 注册变更监听。
func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Create 保存新会话，未设置 ID 时自动生成。
func (s *Store) Create(sess Session) (Session, error) {
	if sess.Flow == nil {
		return Session{}, ErrFlowImmutable
	}
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	now := s.now()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	sess.Version = 1
	if sess.Approval.State == "" {
		sess.Approval.State = ApprovalUnknown
	}
	sess = sess.Clone()

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	notify(listeners, sess)
	return sess.Clone(), nil
}

// Get 返回会话副本。
func (s *Store) Get(id uuid.UUID) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Apply 是会话唯一的写入入口。被取代的补丁返回 ErrSuperseded，会话保持不变。
func (s *Store) Apply(id uuid.UUID, p Patch) (Session, error) {
	s.mu.Lock()
	current, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return Session{}, ErrSessionNotFound
	}
	next, err := Reduce(current, p)
	if err != nil {
		s.mu.Unlock()
		return current.Clone(), err
	}
	next.UpdatedAt = s.now()
	s.sessions[id] = next
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	notify(listeners, next)
	return next.Clone(), nil
}

// Delete 移除会话。
func (s *Store) Delete(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// List 按创建时间返回全部会话。
func (s *Store) List() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func notify(listeners []Listener, sess Session) {
	for _, l := range listeners {
		l(sess.Clone())
	}
}
