// Package syncservice keeps one replication session with the sync target
// alive and reports its status.
package syncservice

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/fieldstore/internal/broker"
	"github.com/devrev/pairdb/fieldstore/internal/metrics"
	"github.com/devrev/pairdb/fieldstore/internal/replication"
)

// Status is the state of synchronization
type Status int

const (
	Offline Status = iota
	Connecting
	Online
	Error
)

func (s Status) String() string {
	switch s {
	case Offline:
		return "offline"
	case Connecting:
		return "connecting"
	case Online:
		return "online"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// DefaultRetryDelay is the pause between a failed session and the next attempt
const DefaultRetryDelay = 5 * time.Second

// Settings select the sync target
type Settings struct {
	Address  string
	Project  string
	Password string
}

// Replicator starts replication sessions
type Replicator interface {
	Replicate(ctx context.Context, target, db string) (replication.Session, error)
}

// Service owns at most one replication session and a retry timer
type Service struct {
	replicator Replicator
	retryDelay time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
	statuses   *broker.Broker[Status]

	mu         sync.Mutex
	settings   Settings
	status     Status
	session    replication.Session
	sessionKey string
	retry      *time.Timer
	generation uint64
}

// New creates a stopped service
func New(replicator Replicator, retryDelay time.Duration, logger *zap.Logger, m *metrics.Metrics) *Service {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		replicator: replicator,
		retryDelay: retryDelay,
		logger:     logger,
		metrics:    m,
		statuses:   broker.New[Status](16),
		status:     Offline,
	}
}

// Init stores the sync settings used by the next Start
func (s *Service) Init(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
}

// Status returns the current status
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe returns a stream of status changes
func (s *Service) Subscribe() *broker.Subscription[Status] {
	return s.statuses.Subscribe()
}

// Start begins synchronization. It does nothing without an address or
// project, or when a session for the same target is already running.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *Service) startLocked() {
	settings := s.settings
	if settings.Address == "" || settings.Project == "" {
		s.logger.Debug("Sync not configured")
		return
	}

	target := GenerateSyncURL(settings.Address, settings.Project, settings.Password)
	key := target + "|" + settings.Project
	if s.session != nil && s.sessionKey == key {
		return
	}

	s.cancelLocked()
	s.generation++
	gen := s.generation
	s.setStatusLocked(Connecting)

	session, err := s.replicator.Replicate(context.Background(), target, settings.Project)
	if err != nil {
		s.logger.Warn("Failed to start replication", zap.String("project", settings.Project), zap.Error(err))
		s.failLocked(gen)
		return
	}

	s.session = session
	s.sessionKey = key
	s.logger.Info("Sync started",
		zap.String("project", settings.Project),
		zap.String("session", session.ID()))
	go s.watch(gen, session)
}

func (s *Service) watch(gen uint64, session replication.Session) {
	for ev := range session.Events() {
		s.mu.Lock()
		if gen != s.generation {
			s.mu.Unlock()
			return
		}
		switch ev.Type {
		case replication.EventActive, replication.EventPaused:
			s.setStatusLocked(Online)
		case replication.EventError:
			s.logger.Warn("Sync failed", zap.String("session", session.ID()), zap.Error(ev.Err))
			s.failLocked(gen)
		}
		s.mu.Unlock()
	}

	// the session ended on its own without reporting an error
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.generation && s.session == session {
		s.failLocked(gen)
	}
}

// failLocked tears down the session, reports Error and schedules a retry
func (s *Service) failLocked(gen uint64) {
	if s.session != nil {
		session := s.session
		s.session = nil
		s.sessionKey = ""
		go session.Cancel()
	}
	s.setStatusLocked(Error)

	if s.retry != nil {
		s.retry.Stop()
	}
	s.retry = time.AfterFunc(s.retryDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.generation {
			return
		}
		s.retry = nil
		s.metrics.RecordSyncRetry()
		s.logger.Info("Retrying sync")
		s.startLocked()
	})
}

// Stop cancels the pending retry and the running session and reports Offline
func (s *Service) Stop() {
	s.mu.Lock()
	s.generation++
	session := s.session
	s.session = nil
	s.sessionKey = ""
	s.cancelLocked()
	s.setStatusLocked(Offline)
	s.mu.Unlock()

	if session != nil {
		session.Cancel()
		s.logger.Info("Sync stopped", zap.String("session", session.ID()))
	}
}

// cancelLocked stops the retry timer and a running session
func (s *Service) cancelLocked() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if s.session != nil {
		go s.session.Cancel()
		s.session = nil
		s.sessionKey = ""
	}
}

func (s *Service) setStatusLocked(status Status) {
	if s.status == status {
		return
	}
	s.status = status
	s.metrics.UpdateSyncStatus(int(status))
	s.statuses.TryPublish(status)
}

// Close stops the service and ends status subscriptions
func (s *Service) Close() {
	s.Stop()
	s.statuses.Close()
}

// GenerateSyncURL builds the replication URL for project, embedding the
// credentials when a password is set
func GenerateSyncURL(address, project, password string) string {
	if !strings.Contains(address, "http") {
		address = "http://" + address
	}
	if password == "" {
		return address
	}

	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		return address
	}
	u.User = url.UserPassword(project, password)
	return u.String()
}
