package supervisor

import (
	"sync"
	"time"

	"WorkChat/logger"
	wsactor "WorkChat/service/actor"
	"WorkChat/service/registry"
	"WorkChat/tools/errs"
	"WorkChat/tools/safe"
)

// Child is a supervised static service.
type Child interface {
	Stop()
}

// monitored children additionally expose loop termination.
type monitored interface {
	Done() <-chan struct{}
}

// ChildSpec names a static child and knows how to (re)start it.
type ChildSpec struct {
	Name  string
	Start func() (Child, error)
}

type Conf struct {
	RestartBudget int           // restarts tolerated per child within the window
	RestartWindow time.Duration
	Clock         func() time.Time
}

func (c *Conf) norm() {
	if c.RestartBudget <= 0 {
		c.RestartBudget = 5
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 60 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type childState struct {
	spec     ChildSpec
	child    Child
	up       bool
	stopping bool
	restarts []time.Time
}

// Health is the HealthCheck result.
type Health struct {
	Healthy         bool            `json:"healthy"`
	Services        map[string]bool `json:"services"`
	WorkspaceActors int             `json:"workspace_actors"`
	ChannelActors   int             `json:"channel_actors"`
}

// Supervisor owns the static process tree: registries, singletons, and
// the two dynamic actor pools. Each static child restarts independently,
// budgeted; blowing the budget marks the whole tree unhealthy.
type Supervisor struct {
	conf Conf

	mu       sync.Mutex
	order    []string
	children map[string]*childState
	sick     bool
	stopped  bool

	wsReg *registry.Registry[*wsactor.Workspace]
	chReg *registry.Registry[*wsactor.Channel]

	wsFactory func(id string) *wsactor.Workspace
	chFactory func(id, workspaceID string) *wsactor.Channel
}

func New(conf Conf, wsFactory func(string) *wsactor.Workspace, chFactory func(string, string) *wsactor.Channel) *Supervisor {
	conf.norm()
	return &Supervisor{
		conf:      conf,
		children:  make(map[string]*childState),
		wsReg:     registry.New[*wsactor.Workspace](),
		chReg:     registry.New[*wsactor.Channel](),
		wsFactory: wsFactory,
		chFactory: chFactory,
	}
}

// Start launches the static children in the order their specs are given
// (dependency order: leaves first).
func (s *Supervisor) Start(specs []ChildSpec) error {
	for _, spec := range specs {
		child, err := spec.Start()
		if err != nil {
			return errs.WrapMsg(err, "start child", "name", spec.Name)
		}
		st := &childState{spec: spec, child: child, up: true}
		s.mu.Lock()
		s.children[spec.Name] = st
		s.order = append(s.order, spec.Name)
		s.mu.Unlock()
		s.watch(spec.Name, child)
		logger.Infof("[supervisor] started %s", spec.Name)
	}
	return nil
}

func (s *Supervisor) watch(name string, child Child) {
	m, ok := child.(monitored)
	if !ok {
		return
	}
	done := m.Done()
	safe.Go(func() {
		<-done
		s.onChildExit(name, child)
	})
}

func (s *Supervisor) onChildExit(name string, exited Child) {
	s.mu.Lock()
	st, ok := s.children[name]
	if !ok || st.child != exited || st.stopping || s.stopped {
		s.mu.Unlock()
		return
	}
	st.up = false

	// prune restart marks outside the window, then check the budget
	now := s.conf.Clock()
	cutoff := now.Add(-s.conf.RestartWindow)
	kept := st.restarts[:0]
	for _, t := range st.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.restarts = kept
	if len(st.restarts) >= s.conf.RestartBudget {
		s.sick = true
		s.mu.Unlock()
		logger.Errorf("[supervisor] child %s exceeded restart budget (%d in %s), tree unhealthy",
			name, s.conf.RestartBudget, s.conf.RestartWindow)
		return
	}
	st.restarts = append(st.restarts, now)
	s.mu.Unlock()

	logger.Warnf("[supervisor] child %s terminated unexpectedly, restarting", name)
	child, err := st.spec.Start()
	if err != nil {
		logger.Errorf("[supervisor] restart %s: %v", name, err)
		s.mu.Lock()
		s.sick = true
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	st.child = child
	st.up = true
	s.mu.Unlock()
	s.watch(name, child)
}

// Stop shuts the tree down: dynamic actors first, then static children in
// reverse start order.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	order := make([]string, len(s.order))
	copy(order, s.order)
	s.mu.Unlock()

	s.chReg.Range(func(id string, c *wsactor.Channel) bool {
		c.Stop()
		s.chReg.Unregister(id)
		return true
	})
	s.wsReg.Range(func(id string, w *wsactor.Workspace) bool {
		w.Stop()
		s.wsReg.Unregister(id)
		return true
	})

	for i := len(order) - 1; i >= 0; i-- {
		s.mu.Lock()
		st := s.children[order[i]]
		st.stopping = true
		child := st.child
		s.mu.Unlock()
		child.Stop()
		s.mu.Lock()
		st.up = false
		s.mu.Unlock()
		logger.Infof("[supervisor] stopped %s", order[i])
	}
}

// ----- dynamic pools -----

// StartWorkspaceActor starts (or returns the already running) workspace
// actor for id.
func (s *Supervisor) StartWorkspaceActor(id string) (*wsactor.Workspace, bool) {
	if w, ok := s.wsReg.Lookup(id); ok {
		return w, false
	}
	w := s.wsFactory(id)
	winner, registered := s.wsReg.Register(id, w)
	if !registered {
		// lost the race; discard ours
		w.Stop()
		return winner, false
	}
	return winner, true
}

func (s *Supervisor) StopWorkspaceActor(id string) error {
	w, ok := s.wsReg.Lookup(id)
	if !ok {
		return errs.ErrUnknownEntity.WithDetail("workspace actor not running: "+id)
	}
	s.wsReg.Unregister(id)
	w.Stop()
	return nil
}

func (s *Supervisor) StartChannelActor(id, workspaceID string) (*wsactor.Channel, bool) {
	if c, ok := s.chReg.Lookup(id); ok {
		return c, false
	}
	c := s.chFactory(id, workspaceID)
	winner, registered := s.chReg.Register(id, c)
	if !registered {
		c.Stop()
		return winner, false
	}
	return winner, true
}

func (s *Supervisor) StopChannelActor(id string) error {
	c, ok := s.chReg.Lookup(id)
	if !ok {
		return errs.ErrUnknownEntity.WithDetail("channel actor not running: "+id)
	}
	s.chReg.Unregister(id)
	c.Stop()
	return nil
}

func (s *Supervisor) LookupWorkspaceActor(id string) (*wsactor.Workspace, bool) {
	return s.wsReg.Lookup(id)
}

func (s *Supervisor) LookupChannelActor(id string) (*wsactor.Channel, bool) {
	return s.chReg.Lookup(id)
}

func (s *Supervisor) UnregisterWorkspaceActor(id string) bool { return s.wsReg.Unregister(id) }

func (s *Supervisor) UnregisterChannelActor(id string) bool { return s.chReg.Unregister(id) }

func (s *Supervisor) ListWorkspaceActors() []string { return s.wsReg.Keys() }

func (s *Supervisor) ListChannelActors() []string { return s.chReg.Keys() }

// ChannelActorsOf returns the channel actors belonging to a workspace.
func (s *Supervisor) ChannelActorsOf(workspaceID string) []*wsactor.Channel {
	var out []*wsactor.Channel
	s.chReg.Range(func(_ string, c *wsactor.Channel) bool {
		if c.WorkspaceID() == workspaceID {
			out = append(out, c)
		}
		return true
	})
	return out
}

// HealthCheck reports per-service up/down plus dynamic pool counts.
func (s *Supervisor) HealthCheck() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Health{
		Healthy:         !s.sick,
		Services:        make(map[string]bool, len(s.children)),
		WorkspaceActors: s.wsReg.Len(),
		ChannelActors:   s.chReg.Len(),
	}
	for name, st := range s.children {
		h.Services[name] = st.up
		if !st.up {
			h.Healthy = false
		}
	}
	return h
}
