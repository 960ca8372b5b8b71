// Package service implements a generic supervised background loop with
// ordered enable/disable hooks, the "background worker" building block that
// both the CoAP server and the relay are instances of.
package service

import (
	"sync"

	"github.com/condalf/backend/logging"
	"go.uber.org/atomic"
)

// Hook is a pair of functions run, in order, when a Service starts and
// stops. Disable hooks run in the reverse order of the Enable hooks that
// succeeded, whether the service is stopping cleanly or unwinding a failed
// Start.
type Hook struct {
	Enable  func() error
	Disable func() error
}

// Runner supplies the repeated unit of work a Service drives. A single Run
// invocation must be bounded so the Service stays stoppable, since Stop
// waits for the current Run to return; RelayService bounds each Run with a
// 100ms I/O pump timeout and ServerService with a 1s one.
type Runner interface {
	Run()
}

// Service is a generic reusable supervisor for a single-goroutine background
// loop, grounded on common::Service in the original source. It owns no
// domain logic itself; RelayService and ServerService each construct one,
// supplying their own Runner and hooks.
type Service struct {
	Name string
	Log  logging.FieldLogger

	mu      sync.Mutex
	cond    *sync.Cond
	running *atomic.Bool
	hooks   []Hook
	runner  Runner
	wg      sync.WaitGroup
}

// New constructs a Service named name, driven by runner once started.
func New(name string, runner Runner, log logging.FieldLogger) *Service {
	if log == nil {
		log = logging.Nop
	}
	s := &Service{
		Name:    name,
		Log:     log,
		running: atomic.NewBool(false),
		runner:  runner,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// AddHook registers an enable/disable pair, run in insertion order on Start
// and reverse order on Stop.
func (s *Service) AddHook(enable, disable func() error) {
	s.hooks = append(s.hooks, Hook{Enable: enable, Disable: disable})
}

// Start runs every enable hook in order. If a hook fails, every previously
// succeeded hook's disable is run in reverse order and Start returns false
// without spawning the worker goroutine. On success a goroutine is spawned
// to repeatedly call Run until Stop is called; Start blocks until that
// goroutine has confirmed it is running.
func (s *Service) Start() bool {
	if s.running.Load() {
		s.Log.Printf("service %q already running", s.Name)
		return false
	}

	s.Log.Printf("starting service %q", s.Name)
	succeeded := 0
	for _, h := range s.hooks {
		if err := h.Enable(); err != nil {
			s.Log.Errorf("enable hook failed while starting service %q: %s", s.Name, err)
			break
		}
		succeeded++
	}

	if succeeded != len(s.hooks) {
		for i := succeeded - 1; i >= 0; i-- {
			if err := s.hooks[i].Disable(); err != nil {
				s.Log.Warnf("disable hook failed while unwinding service %q: %s", s.Name, err)
			}
		}
		return false
	}

	s.wg.Add(1)
	go s.loop()

	s.mu.Lock()
	for !s.running.Load() {
		s.cond.Wait()
	}
	s.mu.Unlock()
	return true
}

func (s *Service) loop() {
	defer s.wg.Done()

	s.running.Store(true)
	s.mu.Lock()
	s.cond.Signal()
	s.mu.Unlock()

	for s.running.Load() {
		s.runner.Run()
	}
}

// Stop clears the running flag, waits for the worker goroutine's current Run
// to return, then runs every disable hook in reverse order. A no-op if the
// service is not running.
func (s *Service) Stop() {
	if !s.running.Load() {
		return
	}

	s.Log.Printf("stopping service %q", s.Name)
	s.running.Store(false)
	s.wg.Wait()

	for i := len(s.hooks) - 1; i >= 0; i-- {
		if err := s.hooks[i].Disable(); err != nil {
			s.Log.Warnf("disable hook failed while stopping service %q: %s", s.Name, err)
		}
	}
}

// Reload is Stop followed by Start.
func (s *Service) Reload() bool {
	s.Log.Printf("reloading service %q", s.Name)
	s.Stop()
	return s.Start()
}

// IsActive reports whether the service's worker goroutine is currently
// looping.
func (s *Service) IsActive() bool {
	return s.running.Load()
}
