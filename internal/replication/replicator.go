package replication

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devrev/pairdb/fieldstore/internal/engine"
	"github.com/devrev/pairdb/fieldstore/internal/errors"
	"github.com/devrev/pairdb/fieldstore/internal/metrics"
)

// EventType classifies session events
type EventType int

const (
	// EventActive is emitted after documents were transferred
	EventActive EventType = iota
	// EventPaused is emitted when both sides are caught up
	EventPaused
	// EventError is emitted once before a failed session ends
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventActive:
		return "active"
	case EventPaused:
		return "paused"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event reports the progress of a session
type Event struct {
	Type   EventType
	Pulled int
	Pushed int
	Err    error
}

// Session is a running bidirectional replication. Events is closed when the
// session ends.
type Session interface {
	ID() string
	Events() <-chan Event
	Cancel()
}

// Local is the replica being synchronized
type Local interface {
	Engine
	Notify() (<-chan struct{}, func())
}

// RemoteError is a non-success answer from the peer
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Config tunes replication sessions
type Config struct {
	PollInterval      time.Duration
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
	BatchSize         int
}

// Replicator starts sessions between the local replica and remote peers
type Replicator struct {
	local   Local
	client  *http.Client
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewReplicator creates a replicator for local
func NewReplicator(local Local, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Replicator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replicator{
		local:   local,
		client:  &http.Client{},
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// Replicate starts a live session with database db at target. Credentials
// embedded in target are sent as basic auth.
func (r *Replicator) Replicate(ctx context.Context, target, db string) (Session, error) {
	base, user, err := remoteURL(target, db)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		id:      ulid.Make().String(),
		base:    base,
		user:    user,
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(r.cfg.RequestsPerSecond), r.cfg.Burst),
		events:  make(chan Event, 16),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.logger = r.logger.With(zap.String("session", s.id), zap.String("remote", base.Redacted()))

	s.logger.Info("Replication session started")
	go s.run(sctx)
	return s, nil
}

func remoteURL(target, db string) (*url.URL, *url.Userinfo, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid replication target: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil, fmt.Errorf("unsupported replication scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, nil, fmt.Errorf("replication target %q has no host", target)
	}
	if db == "" {
		return nil, nil, fmt.Errorf("replication database is empty")
	}

	user := u.User
	u.User = nil
	u.RawQuery, u.Fragment = "", ""
	u.Path = strings.TrimRight(u.Path, "/") + "/db/" + db
	u.RawPath = ""
	return u, user, nil
}

type session struct {
	id      string
	base    *url.URL
	user    *url.Userinfo
	r       *Replicator
	limiter *rate.Limiter
	events  chan Event
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *zap.Logger

	pullSince uint64
	pushSince uint64
}

func (s *session) ID() string { return s.id }

func (s *session) Events() <-chan Event { return s.events }

// Cancel stops the session and waits for it to wind down
func (s *session) Cancel() {
	s.cancel()
	<-s.done
}

func (s *session) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	wake, stop := s.r.local.Notify()
	defer stop()

	ticker := time.NewTicker(s.r.cfg.PollInterval)
	defer ticker.Stop()

	paused := false
	for {
		pulled, pushed, err := s.cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("Replication session canceled")
				return
			}
			s.logger.Warn("Replication session failed", zap.Error(err))
			s.emit(ctx, Event{Type: EventError, Pulled: pulled, Pushed: pushed, Err: err})
			return
		}

		if pulled+pushed > 0 {
			s.logger.Debug("Replicated documents",
				zap.Int("pulled", pulled),
				zap.Int("pushed", pushed))
			s.emit(ctx, Event{Type: EventActive, Pulled: pulled, Pushed: pushed})
			paused = false
		}
		if !paused {
			s.emit(ctx, Event{Type: EventPaused})
			paused = true
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Replication session canceled")
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

func (s *session) emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *session) cycle(ctx context.Context) (int, int, error) {
	pulled, err := s.pull(ctx)
	s.r.metrics.RecordReplicated("pull", pulled)
	if err != nil {
		return pulled, 0, fmt.Errorf("pull: %w", err)
	}
	pushed, err := s.push(ctx)
	s.r.metrics.RecordReplicated("push", pushed)
	if err != nil {
		return pulled, pushed, fmt.Errorf("push: %w", err)
	}
	return pulled, pushed, nil
}

func (s *session) pull(ctx context.Context) (int, error) {
	n := 0
	for {
		query := url.Values{
			"since": {strconv.FormatUint(s.pullSince, 10)},
			"limit": {strconv.Itoa(s.r.cfg.BatchSize)},
		}
		var changes ChangesResponse
		if err := s.do(ctx, http.MethodGet, "/_changes", query, nil, &changes); err != nil {
			return n, err
		}

		for _, c := range changes.Results {
			var doc RevisionsDocument
			err := s.do(ctx, http.MethodGet, "/_revs/"+c.ID, nil, nil, &doc)
			var remote *RemoteError
			if stderrors.As(err, &remote) && remote.StatusCode == http.StatusNotFound {
				continue
			}
			if err != nil {
				return n, err
			}

			changed, err := s.r.local.PutRevisions(ctx, c.ID, doc.Revisions)
			if err != nil {
				return n, fmt.Errorf("import %s: %w", c.ID, err)
			}
			if changed {
				n++
			}
		}

		if changes.LastSeq > s.pullSince {
			s.pullSince = changes.LastSeq
		}
		if len(changes.Results) < s.r.cfg.BatchSize {
			return n, nil
		}
	}
}

func (s *session) push(ctx context.Context) (int, error) {
	changes, last := s.r.local.ChangesSince(s.pushSince)

	n := 0
	for _, c := range changes {
		revs, err := s.r.local.Revisions(ctx, c.ID)
		if stderrors.Is(err, engine.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("export %s: %w", c.ID, err)
		}

		var resp PutResponse
		body := RevisionsDocument{ID: c.ID, Revisions: revs}
		if err := s.do(ctx, http.MethodPost, "/_revs/"+c.ID, nil, body, &resp); err != nil {
			return n, err
		}
		if resp.Changed {
			n++
		}
		s.pushSince = c.Seq
	}

	if last > s.pushSince {
		s.pushSince = last
	}
	return n, nil
}

func (s *session) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	u := *s.base
	u.Path = s.base.Path + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	rctx, cancel := context.WithTimeout(ctx, s.r.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if s.user != nil {
		password, _ := s.user.Password()
		req.SetBasicAuth(s.user.Username(), password)
	}

	resp, err := s.r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		remote := &RemoteError{StatusCode: resp.StatusCode}
		var e errors.Response
		if json.NewDecoder(resp.Body).Decode(&e) == nil {
			remote.Code, remote.Message = e.ErrorCode, e.Message
		}
		return remote
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
