package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jbax1899/daneel/internal/audio"
	"github.com/jbax1899/daneel/internal/core"
	"github.com/jbax1899/daneel/internal/domain"
	"github.com/jbax1899/daneel/internal/realtime"
)

type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionActive
	SessionLimitReached
	SessionParticipantsLeft
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionActive:
		return "active"
	case SessionLimitReached:
		return "limit_reached"
	case SessionParticipantsLeft:
		return "participants_left"
	case SessionTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type task func(ctx context.Context) error

// transport and ingester narrow the realtime types to what a session drives,
// so tests can substitute them.
type transport interface {
	Connect() error
	Send(v any) error
	Disconnect()
	Connected() bool
}

type ingester interface {
	SendAudio(ctx context.Context, pcm []byte, sp domain.Speaker) error
	Flush(ctx context.Context) error
	Clear()
	BufferedBytes() int
}

type responder interface {
	AudioDeltas() <-chan []byte
	TextDeltas() <-chan string
	Errors() <-chan *realtime.RemoteError
	ResponseActive() bool
}

// CallSession owns every per-call resource: the socket, the open-turn buffer,
// the roster, both resamplers, and the serialized task queue. The queue is
// the lock: all audio work for the call runs on one worker goroutine in
// arrival order.
type CallSession struct {
	id        domain.CallID
	transport transport
	ingest    ingester
	events    responder
	playback  core.PlaybackSink

	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan task

	capture    *audio.StreamResampler
	playbackRs *audio.StreamResampler

	mu          sync.RWMutex
	state       SessionState
	roster      map[domain.UserID]string
	startedAt   time.Time
	lastAudioAt time.Time
	turns       int

	closeOnce sync.Once
}

func (s *CallSession) setState(next SessionState) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		log.Info().Str("module", "app.session").Str("call", string(s.id)).
			Str("from", prev.String()).Str("to", next.String()).Msg("session state")
	}
}

func (s *CallSession) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *CallSession) displayName(user domain.UserID) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name, ok := s.roster[user]; ok {
		return name
	}
	return "guest"
}

func (s *CallSession) info() core.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parts := make([]domain.Participant, 0, len(s.roster))
	for id, name := range s.roster {
		parts = append(parts, domain.Participant{ID: id, DisplayName: name})
	}
	return core.SessionInfo{
		ID:           s.id,
		State:        s.state.String(),
		Participants: parts,
		Turns:        s.turns,
		StartedAt:    s.startedAt,
		LastAudioAt:  s.lastAudioAt,
	}
}

// runTasks is the per-call worker loop. A task's failure is logged but never
// breaks the chain for subsequent tasks.
func (s *CallSession) runTasks(onFailure func()) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.tasks:
			if err := t(s.ctx); err != nil && s.ctx.Err() == nil {
				log.Error().Err(err).Str("module", "app.session").Str("call", string(s.id)).Msg("task failed")
				if onFailure != nil {
					onFailure()
				}
			}
		}
	}
}

// runPlayback forwards synthesized audio into the call as it arrives,
// resampled to the platform rate.
func (s *CallSession) runPlayback(onBytes func(int)) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case text := <-s.events.TextDeltas():
			// Transcript fragments only matter for observability.
			log.Debug().Str("module", "app.session").Str("call", string(s.id)).Str("text", text).Msg("transcript delta")
		case remoteErr := <-s.events.Errors():
			log.Warn().Str("module", "app.session").Str("call", string(s.id)).Str("remote", remoteErr.String()).Msg("remote error event")
		case pcm := <-s.events.AudioDeltas():
			out := s.playbackRs.Process(pcm)
			if len(out) == 0 {
				continue
			}
			if s.playback == nil {
				continue
			}
			if err := s.playback.WritePCM(out); err != nil {
				log.Warn().Err(err).Str("module", "app.session").Str("call", string(s.id)).Msg("playback write failed")
				continue
			}
			if onBytes != nil {
				onBytes(len(out))
			}
		}
	}
}

// teardown releases all per-call resources. Idempotent; outstanding queued
// tasks are abandoned by the context cancel rather than preempted.
func (s *CallSession) teardown() {
	s.closeOnce.Do(func() {
		s.setState(SessionTerminated)
		s.cancel()
		s.ingest.Clear()
		s.transport.Disconnect()
		if s.playback != nil {
			s.playback.Close()
		}
		log.Info().Str("module", "app.session").Str("call", string(s.id)).Msg("session torn down")
	})
}
