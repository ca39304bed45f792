// Package app contains the per-call concurrency boundary of the bridge.
package app

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jbax1899/daneel/internal/audio"
	"github.com/jbax1899/daneel/internal/config"
	"github.com/jbax1899/daneel/internal/core"
	"github.com/jbax1899/daneel/internal/domain"
	"github.com/jbax1899/daneel/internal/metrics"
	"github.com/jbax1899/daneel/internal/realtime"
)

// Config is the coordinator's slice of the application configuration.
type Config struct {
	RealtimeURL  string
	APIKey       string
	Model        string
	Voice        string
	Instructions string
	Greeting     string

	Backoff realtime.BackoffConfig
	Ingest  realtime.IngestConfig

	PlatformRate int
	RemoteRate   int

	MaxTurns   int
	MaxSession time.Duration
	QueueDepth int
}

// FromConfig maps the loaded application config onto coordinator settings.
func FromConfig(cfg *config.Config) Config {
	minTurnBytes := int(cfg.Audio.MinTurn.Seconds() * float64(cfg.Audio.RemoteRate) * 2)
	return Config{
		RealtimeURL:  cfg.Realtime.URL,
		APIKey:       cfg.Realtime.APIKey,
		Model:        cfg.Realtime.Model,
		Voice:        cfg.Realtime.Voice,
		Instructions: cfg.Realtime.Instructions,
		Greeting:     cfg.Realtime.Greeting,
		Backoff: realtime.BackoffConfig{
			InitialDelay: cfg.Realtime.InitialDelay,
			MaxDelay:     cfg.Realtime.MaxDelay,
			Multiplier:   cfg.Realtime.Multiplier,
			MaxAttempts:  cfg.Realtime.MaxAttempts,
		},
		Ingest: realtime.IngestConfig{
			Debounce:     cfg.Audio.Debounce,
			CommitGuard:  cfg.Audio.CommitGuard,
			MinTurnBytes: minTurnBytes,
		},
		PlatformRate: cfg.Audio.PlatformRate,
		RemoteRate:   cfg.Audio.RemoteRate,
		MaxTurns:     cfg.Limits.MaxTurns,
		MaxSession:   cfg.Limits.MaxSession,
		QueueDepth:   cfg.Limits.TaskQueueDepth,
	}
}

// Coordinator holds at most one CallSession per call id and serializes every
// audio operation for a call through that session's task queue. Faults local
// to one call never cross into another call's state.
type Coordinator struct {
	cfg Config
	m   *metrics.Metrics

	mu       sync.RWMutex
	sessions map[domain.CallID]*CallSession
}

var _ core.Bridge = (*Coordinator)(nil)

func NewCoordinator(cfg Config, m *metrics.Metrics) *Coordinator {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	return &Coordinator{
		cfg:      cfg,
		m:        m,
		sessions: make(map[domain.CallID]*CallSession),
	}
}

func (c *Coordinator) realtimeURL() string {
	return c.cfg.RealtimeURL + "?model=" + url.QueryEscape(c.cfg.Model)
}

func (c *Coordinator) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.APIKey)
	h.Set("OpenAI-Beta", "realtime=v1")
	return h
}

// register installs a session for call, tearing down any existing one first.
// Replacement is close-then-replace: the old session's listeners, socket and
// timers are fully released before the new session is visible.
func (c *Coordinator) register(ctx context.Context, call domain.CallID, tr transport, ing ingester, ev responder, playback core.PlaybackSink) *CallSession {
	c.mu.Lock()
	old := c.sessions[call]
	delete(c.sessions, call)
	c.mu.Unlock()
	if old != nil {
		log.Warn().Str("module", "app.coordinator").Str("call", string(call)).Msg("replacing existing session")
		old.teardown()
		c.m.CallsEnded.Inc()
		c.m.ActiveCalls.Dec()
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &CallSession{
		id:         call,
		transport:  tr,
		ingest:     ing,
		events:     ev,
		playback:   playback,
		ctx:        sctx,
		cancel:     cancel,
		tasks:      make(chan task, c.cfg.QueueDepth),
		capture:    audio.NewStreamResampler(c.cfg.PlatformRate, c.cfg.RemoteRate),
		playbackRs: audio.NewStreamResampler(c.cfg.RemoteRate, c.cfg.PlatformRate),
		state:      SessionConnecting,
		roster:     make(map[domain.UserID]string),
		startedAt:  time.Now(),
	}

	c.mu.Lock()
	c.sessions[call] = s
	c.mu.Unlock()
	c.m.CallsStarted.Inc()
	c.m.ActiveCalls.Inc()

	go s.runTasks(func() { c.m.TaskFailures.Inc() })
	go s.runPlayback(func(n int) { c.m.AudioBytesOut.Add(float64(n)) })
	return s
}

// AddSession creates the full pipeline for a call and connects it. Entering
// Active only happens after the greeting turn has been requested.
func (c *Coordinator) AddSession(ctx context.Context, call domain.CallID, playback core.PlaybackSink) error {
	tr := realtime.NewTransport(c.realtimeURL(), c.header(), c.cfg.Backoff)
	d := realtime.NewDispatcher()
	tr.OnMessage(d.HandleMessage)
	tr.OnStateChange(func(st realtime.State) {
		if st == realtime.StateReconnecting {
			c.m.Reconnects.Inc()
		}
	})
	tr.OnTerminalError(func(err error) {
		c.m.TransportFatal.Inc()
		log.Error().Err(err).Str("module", "app.coordinator").Str("call", string(call)).Msg("transport gone, ending conversation")
		go c.RemoveSession(call)
	})

	ing := realtime.NewIngest(tr, d, c.cfg.Ingest, func() {
		// Debounce expired: route the flush back through the call's queue.
		c.enqueueSession(call, c.flushTurn)
	})

	s := c.register(ctx, call, tr, ing, d, playback)

	if err := tr.Connect(); err != nil {
		c.RemoveSession(call)
		return fmt.Errorf("connect call %s: %w", call, err)
	}
	if err := tr.Send(realtime.SessionUpdate(c.cfg.Voice, c.cfg.Instructions)); err != nil {
		c.RemoveSession(call)
		return fmt.Errorf("configure session %s: %w", call, err)
	}
	if err := tr.Send(realtime.ResponseRequest(c.cfg.Greeting)); err != nil {
		c.RemoveSession(call)
		return fmt.Errorf("greet call %s: %w", call, err)
	}
	s.setState(SessionActive)
	log.Info().Str("module", "app.coordinator").Str("call", string(call)).Msg("call active")
	return nil
}

// RemoveSession detaches and tears down the call's session. Idempotent;
// outstanding queued tasks are not preempted.
func (c *Coordinator) RemoveSession(call domain.CallID) {
	c.mu.Lock()
	s, ok := c.sessions[call]
	if ok {
		delete(c.sessions, call)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	s.teardown()
	c.m.CallsEnded.Inc()
	c.m.ActiveCalls.Dec()
}

// Shutdown tears down every live session.
func (c *Coordinator) Shutdown() {
	c.mu.RLock()
	ids := make([]domain.CallID, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	for _, id := range ids {
		c.RemoveSession(id)
	}
}

// Sessions returns a read-only snapshot of every live call.
func (c *Coordinator) Sessions() []core.SessionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.SessionInfo, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.info())
	}
	return out
}

// enqueueSession is the core serialization primitive: the task runs on the
// call's single worker, strictly after everything enqueued before it. A full
// queue drops the task rather than blocking the capture path.
func (c *Coordinator) enqueueSession(call domain.CallID, fn func(ctx context.Context, s *CallSession) error) {
	c.mu.RLock()
	s, ok := c.sessions[call]
	c.mu.RUnlock()
	if !ok {
		return
	}
	t := func(ctx context.Context) error { return fn(ctx, s) }
	select {
	case s.tasks <- t:
		c.m.TasksEnqueued.Inc()
	default:
		c.m.TasksDropped.Inc()
		log.Warn().Str("module", "app.coordinator").Str("call", string(call)).Msg("task queue backpressure, dropping")
	}
}

// HandleUserAudio ingests one captured PCM chunk for a user, in arrival order.
func (c *Coordinator) HandleUserAudio(call domain.CallID, user domain.UserID, pcm core.Frame) {
	c.enqueueSession(call, func(ctx context.Context, s *CallSession) error {
		if s.State() != SessionActive {
			return nil
		}
		if c.cfg.MaxSession > 0 && time.Since(s.startedAt) > c.cfg.MaxSession {
			c.limitReached(s)
			return nil
		}

		// Barge-in: speech arriving while the remote is mid-response discards
		// whatever is left of its input buffer before the new turn starts.
		if s.events.ResponseActive() && s.ingest.BufferedBytes() == 0 {
			s.ingest.Clear()
			c.m.TurnsCleared.Inc()
		}

		out := s.capture.Process(pcm)
		c.m.AudioBytesIn.Add(float64(len(out)))
		if len(out) == 0 {
			return nil
		}

		s.mu.Lock()
		s.lastAudioAt = time.Now()
		s.mu.Unlock()

		return s.ingest.SendAudio(ctx, out, domain.NewSpeaker(s.displayName(user), user))
	})
}

// HandleUserSilence commits the open turn after the capture side reports the
// user went quiet.
func (c *Coordinator) HandleUserSilence(call domain.CallID, user domain.UserID) {
	c.enqueueSession(call, c.flushTurn)
}

func (c *Coordinator) flushTurn(ctx context.Context, s *CallSession) error {
	if s.State() != SessionActive {
		return nil
	}
	open := s.ingest.BufferedBytes()
	if open == 0 {
		return nil
	}
	padded := open < c.cfg.Ingest.MinTurnBytes

	if err := s.ingest.Flush(ctx); err != nil {
		return err
	}

	c.m.TurnsCommitted.Inc()
	if padded {
		c.m.TurnsPadded.Inc()
	}

	s.mu.Lock()
	s.turns++
	turns := s.turns
	s.mu.Unlock()
	if c.cfg.MaxTurns > 0 && turns >= c.cfg.MaxTurns {
		c.limitReached(s)
	}
	return nil
}

func (c *Coordinator) limitReached(s *CallSession) {
	s.setState(SessionLimitReached)
	c.m.SessionLimited.Inc()
	log.Info().Str("module", "app.coordinator").Str("call", string(s.id)).Msg("usage limit reached, ending conversation")
	go c.RemoveSession(s.id)
}

// UpdateParticipant records or renames a roster entry.
func (c *Coordinator) UpdateParticipant(call domain.CallID, p *domain.Participant) {
	c.mu.RLock()
	s, ok := c.sessions[call]
	c.mu.RUnlock()
	if !ok || p == nil {
		return
	}
	s.mu.Lock()
	s.roster[p.ID] = p.DisplayName
	s.mu.Unlock()
	log.Info().Str("module", "app.coordinator").Str("call", string(call)).Str("user", string(p.ID)).Str("name", p.DisplayName).Msg("roster updated")
}

// RemoveParticipant drops a roster entry; the last participant leaving ends
// the call.
func (c *Coordinator) RemoveParticipant(call domain.CallID, user domain.UserID) {
	c.mu.RLock()
	s, ok := c.sessions[call]
	c.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.roster, user)
	empty := len(s.roster) == 0
	s.mu.Unlock()
	log.Info().Str("module", "app.coordinator").Str("call", string(call)).Str("user", string(user)).Msg("participant left")

	if empty && s.State() == SessionActive {
		s.setState(SessionParticipantsLeft)
		log.Info().Str("module", "app.coordinator").Str("call", string(call)).Msg("all participants left, ending conversation")
		go c.RemoveSession(call)
	}
}
