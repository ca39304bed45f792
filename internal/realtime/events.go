package realtime

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// Dispatcher turns raw inbound frames into a small typed vocabulary.
// Consumers subscribe by type through dedicated channels; one-shot waiters
// cover the two acknowledgement signals the ingest path cares about.
// Malformed payloads are logged and dropped, never propagated.
type Dispatcher struct {
	audio chan []byte
	text  chan string
	errs  chan *RemoteError

	mu             sync.Mutex
	audioCollected []chan struct{}
	responseDone   []chan struct{}
	diag           bytes.Buffer
	responding     bool
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		audio: make(chan []byte, 64),
		text:  make(chan string, 64),
		errs:  make(chan *RemoteError, 8),
	}
}

// AudioDeltas carries decoded synthesized audio, emitted as soon as each
// delta arrives.
func (d *Dispatcher) AudioDeltas() <-chan []byte { return d.audio }

// TextDeltas carries streamed transcript text.
func (d *Dispatcher) TextDeltas() <-chan string { return d.text }

// Errors carries service-reported errors.
func (d *Dispatcher) Errors() <-chan *RemoteError { return d.errs }

// WaitAudioCollected returns a channel closed the next time the service
// acknowledges a committed audio buffer. Each call installs a fresh one-shot
// listener that removes itself upon firing.
func (d *Dispatcher) WaitAudioCollected() <-chan struct{} {
	ch := make(chan struct{})
	d.mu.Lock()
	d.audioCollected = append(d.audioCollected, ch)
	d.mu.Unlock()
	return ch
}

// WaitResponseCompleted returns a channel closed on the next turn-complete
// signal.
func (d *Dispatcher) WaitResponseCompleted() <-chan struct{} {
	ch := make(chan struct{})
	d.mu.Lock()
	d.responseDone = append(d.responseDone, ch)
	d.mu.Unlock()
	return ch
}

// ResponseActive reports whether the service is mid-response, i.e. audio
// deltas have arrived since the last turn-complete signal. The coordinator
// uses this to detect barge-in.
func (d *Dispatcher) ResponseActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.responding
}

// DiagnosticAudio returns a copy of the audio accumulated since the last
// completed response.
func (d *Dispatcher) DiagnosticAudio() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, d.diag.Len())
	copy(out, d.diag.Bytes())
	return out
}

// HandleMessage parses one inbound frame. Wired as the transport's OnMessage
// handler, so it runs on the read pump goroutine and must never block.
func (d *Dispatcher) HandleMessage(raw []byte) {
	var ev serverEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		log.Warn().Err(err).Str("module", "realtime.events").Msg("malformed inbound message, dropping")
		return
	}

	switch ev.Type {
	case typeAudioDelta, typeOutputAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			log.Warn().Err(err).Str("module", "realtime.events").Msg("bad audio delta encoding, dropping")
			return
		}
		d.mu.Lock()
		d.diag.Write(pcm)
		d.responding = true
		d.mu.Unlock()
		select {
		case d.audio <- pcm:
		default:
			log.Warn().Str("module", "realtime.events").Int("bytes", len(pcm)).Msg("audio consumer backpressure, dropping delta")
		}

	case typeTextDelta, typeTranscriptDelta:
		select {
		case d.text <- ev.Delta:
		default:
			log.Warn().Str("module", "realtime.events").Msg("text consumer backpressure, dropping delta")
		}

	case typeResponseDone, typeResponseCompleted:
		d.mu.Lock()
		waiters := d.responseDone
		d.responseDone = nil
		d.diag.Reset()
		d.responding = false
		d.mu.Unlock()
		for _, ch := range waiters {
			close(ch)
		}

	case typeBufferCommitted, typeBufferCollected, typeAudioCommitted:
		// Historical shapes of the same acknowledgement, folded into one signal.
		d.mu.Lock()
		waiters := d.audioCollected
		d.audioCollected = nil
		d.mu.Unlock()
		for _, ch := range waiters {
			close(ch)
		}

	case typeError:
		log.Error().Str("module", "realtime.events").Str("remote", ev.Error.String()).Msg("service error")
		select {
		case d.errs <- ev.Error:
		default:
		}

	default:
		log.Debug().Str("module", "realtime.events").Str("type", ev.Type).Msg("unrecognized event type, dropping")
	}
}
