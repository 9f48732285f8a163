package agent

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SupervisorConfig holds configuration for the supervisor
type SupervisorConfig struct {
	// MaxRetries is the maximum number of consecutive restart attempts
	MaxRetries int
	// RetryDelay is the delay before a restart attempt
	RetryDelay time.Duration
	// HealthCheckInterval is how often to check agent health
	HealthCheckInterval time.Duration
}

// DefaultSupervisorConfig returns default supervisor configuration
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRetries:          3,
		RetryDelay:          5 * time.Second,
		HealthCheckInterval: 10 * time.Second,
	}
}

// Lifecycle is what a supervisor restarts
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() State
}

// Supervisor restarts an agent whose transport stopped serving
type Supervisor struct {
	mu     sync.RWMutex
	agent  Lifecycle
	config SupervisorConfig

	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	running    bool
	retryCount int
}

// NewSupervisor creates a new supervisor for the given agent
func NewSupervisor(agent Lifecycle) *Supervisor {
	return NewSupervisorWithConfig(agent, DefaultSupervisorConfig())
}

// NewSupervisorWithConfig creates a new supervisor with custom configuration
func NewSupervisorWithConfig(agent Lifecycle, config SupervisorConfig) *Supervisor {
	return &Supervisor{
		agent:  agent,
		config: config,
		done:   make(chan struct{}),
	}
}

// Start starts the agent and the health checks
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("supervisor is already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.agent.Start(s.ctx); err != nil {
		s.cancel()
		return errors.Wrap(err, "failed to start agent")
	}
	s.running = true
	s.retryCount = 0
	s.done = make(chan struct{})
	go s.supervise()
	return nil
}

// Stop stops the health checks and the managed agent
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.New("supervisor is not running")
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return errors.New("timeout waiting for supervisor to stop")
	}
	if s.agent.State() == StateStopped {
		return nil
	}
	return s.agent.Stop(ctx)
}

// IsRunning returns whether the supervisor is running
func (s *Supervisor) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// RetryCount returns the number of restarts since the last healthy start
func (s *Supervisor) RetryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retryCount
}

func (s *Supervisor) supervise() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkAgentHealth()
		}
	}
}

// checkAgentHealth restarts an agent in the error state, or one that
// stopped while supervised
func (s *Supervisor) checkAgentHealth() {
	state := s.agent.State()
	if state != StateError && state != StateStopped {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if s.retryCount >= s.config.MaxRetries {
		log.WithField("retries", s.config.MaxRetries).Error("Agent restart limit reached, giving up")
		return
	}
	s.retryCount++
	log.WithFields(logrus.Fields{
		"state":   state,
		"attempt": s.retryCount,
	}).Warn("Agent unhealthy, restarting")

	if state == StateError {
		if err := s.agent.Stop(s.ctx); err != nil {
			log.WithError(err).Debug("Error stopping agent")
		}
	}
	select {
	case <-time.After(s.config.RetryDelay):
	case <-s.ctx.Done():
		return
	}
	if err := s.agent.Start(s.ctx); err != nil {
		log.WithError(err).Error("Failed to restart agent")
		return
	}
	log.Info("Agent restarted")
	s.retryCount = 0
}
