package realtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jbax1899/daneel/internal/domain"
)

// Sender is the outbound half of the transport, narrowed for the ingest path.
type Sender interface {
	Send(v any) error
	Connected() bool
}

// CollectWaiter supplies the one-shot acknowledgement the commit awaits.
type CollectWaiter interface {
	WaitAudioCollected() <-chan struct{}
}

type IngestConfig struct {
	// Debounce is the inactivity window that ends a turn.
	Debounce time.Duration
	// CommitGuard is the minimum latency between the last append and the
	// commit, so we never race the remote service's own buffering.
	CommitGuard time.Duration
	// MinTurnBytes is the protocol's minimum committed turn size; smaller
	// turns are padded with silence rather than dropped.
	MinTurnBytes int
}

// Ingest owns the outbound audio buffer: it appends wire-encoded PCM chunks,
// tracks the active speaker, and commits turns. At most one turn is open at a
// time; a turn starts on the first append after a flush and ends on commit.
type Ingest struct {
	sender Sender
	waiter CollectWaiter
	cfg    IngestConfig
	onIdle func()

	mu         sync.Mutex
	buffered   int
	speaker    *domain.Speaker
	lastAppend time.Time
	timer      *time.Timer
}

// NewIngest wires an ingest to its transport. onIdle fires on the debounce
// goroutine when the inactivity window elapses; the owner is expected to
// route it back through its task queue as a flush.
func NewIngest(sender Sender, waiter CollectWaiter, cfg IngestConfig, onIdle func()) *Ingest {
	return &Ingest{sender: sender, waiter: waiter, cfg: cfg, onIdle: onIdle}
}

// BufferedBytes reports the size of the open turn.
func (i *Ingest) BufferedBytes() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.buffered
}

// PendingSpeaker reports the speaker attributed to the open turn, if any.
func (i *Ingest) PendingSpeaker() (domain.Speaker, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.speaker == nil {
		return domain.Speaker{}, false
	}
	return *i.speaker, true
}

// SendAudio appends one PCM chunk to the open turn, flushing first when the
// speaker changed so every turn is attributed to exactly one speaker.
func (i *Ingest) SendAudio(ctx context.Context, pcm []byte, speaker domain.Speaker) error {
	i.mu.Lock()
	speakerChanged := i.speaker != nil && *i.speaker != speaker
	i.mu.Unlock()
	if speakerChanged {
		if err := i.Flush(ctx); err != nil {
			return fmt.Errorf("flush on speaker change: %w", err)
		}
	}

	if err := i.sender.Send(bufferAppendEvent{
		Type:  typeBufferAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}); err != nil {
		return fmt.Errorf("append audio: %w", err)
	}

	i.mu.Lock()
	i.buffered += len(pcm)
	sp := speaker
	i.speaker = &sp
	i.lastAppend = time.Now()
	if i.timer != nil {
		i.timer.Stop()
	}
	i.timer = time.AfterFunc(i.cfg.Debounce, i.fireIdle)
	i.mu.Unlock()
	return nil
}

func (i *Ingest) fireIdle() {
	if i.onIdle != nil {
		i.onIdle()
	}
}

// Flush commits the open turn: it waits out the commit guard, pads an
// undersized turn with silence, annotates the speaker, commits, requests a
// response, resets local state, and then awaits the service acknowledgement.
// No-op when no turn is open.
func (i *Ingest) Flush(ctx context.Context) error {
	i.mu.Lock()
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	if i.buffered == 0 {
		i.mu.Unlock()
		return nil
	}
	buffered := i.buffered
	speaker := *i.speaker
	last := i.lastAppend
	i.mu.Unlock()

	if wait := i.cfg.CommitGuard - time.Since(last); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if buffered < i.cfg.MinTurnBytes {
		pad := make([]byte, i.cfg.MinTurnBytes-buffered)
		if err := i.sender.Send(bufferAppendEvent{
			Type:  typeBufferAppend,
			Audio: base64.StdEncoding.EncodeToString(pad),
		}); err != nil {
			return fmt.Errorf("pad turn: %w", err)
		}
		log.Debug().Str("module", "realtime.ingest").Int("buffered", buffered).Int("padded_to", i.cfg.MinTurnBytes).Msg("padded undersized turn")
		buffered = i.cfg.MinTurnBytes
	}

	if err := i.sender.Send(speakerAnnotation(speaker)); err != nil {
		return fmt.Errorf("annotate speaker: %w", err)
	}

	// Install the waiter before committing so the acknowledgement cannot race past us.
	collected := i.waiter.WaitAudioCollected()

	if err := i.sender.Send(bufferCommitEvent{Type: typeBufferCommit}); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}

	// The remote owns the turn from here on; reset before anything else can
	// fail so a later flush never re-commits it.
	i.mu.Lock()
	i.buffered = 0
	i.speaker = nil
	i.lastAppend = time.Time{}
	i.mu.Unlock()

	if err := i.sender.Send(responseCreateEvent{Type: typeResponseCreate}); err != nil {
		return fmt.Errorf("request response: %w", err)
	}

	log.Info().Str("module", "realtime.ingest").Str("speaker", speaker.Label).Int("bytes", buffered).Msg("turn committed")

	select {
	case <-collected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear discards the open turn without committing, for barge-in. Local state
// resets unconditionally; the remote buffer clear is best-effort.
func (i *Ingest) Clear() {
	i.mu.Lock()
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	hadTurn := i.buffered > 0
	i.buffered = 0
	i.speaker = nil
	i.lastAppend = time.Time{}
	i.mu.Unlock()

	if i.sender.Connected() {
		if err := i.sender.Send(bufferClearEvent{Type: typeBufferClear}); err != nil {
			log.Warn().Err(err).Str("module", "realtime.ingest").Msg("remote buffer clear failed")
		}
	}
	if hadTurn {
		log.Info().Str("module", "realtime.ingest").Msg("discarded open turn")
	}
}

func speakerAnnotation(sp domain.Speaker) itemCreateEvent {
	text := fmt.Sprintf("%s is speaking.", sp.Label)
	if sp.ID != "" {
		text = fmt.Sprintf("%s (%s) is speaking.", sp.Label, sp.ID)
	}
	return itemCreateEvent{
		Type: typeItemCreate,
		Item: conversationItem{
			ID:      "item_" + uuid.NewString()[:8],
			Type:    "message",
			Role:    "user",
			Content: []itemContent{{Type: "input_text", Text: text}},
		},
	}
}
