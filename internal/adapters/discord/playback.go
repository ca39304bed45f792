package discord

import (
	"encoding/binary"
	"sync"

	"github.com/rs/zerolog/log"
)

// playbackSink frames synthesized mono PCM into 20ms stereo opus frames and
// feeds them to the voice connection's send channel, which discordgo paces at
// real time. Partial frames wait for the next write; the tail of a response
// shorter than one frame is padded out on Close.
type playbackSink struct {
	enc      OpusEncoder
	send     chan<- []byte
	speaking func(bool) error

	mu      sync.Mutex
	buf     []int16 // mono samples awaiting a full frame
	talking bool
	closed  bool
}

func newPlaybackSink(codec Codec, send chan<- []byte, speaking func(bool) error) (*playbackSink, error) {
	enc, err := codec.NewEncoder()
	if err != nil {
		return nil, err
	}
	return &playbackSink{enc: enc, send: send, speaking: speaking}, nil
}

func (p *playbackSink) WritePCM(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		p.buf = append(p.buf, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	return p.drainLocked(false)
}

// drainLocked encodes and sends every complete frame in buf. With pad set, a
// trailing partial frame is zero-filled and sent too.
func (p *playbackSink) drainLocked(pad bool) error {
	if pad && len(p.buf) > 0 && len(p.buf) < frameSamples {
		p.buf = append(p.buf, make([]int16, frameSamples-len(p.buf))...)
	}
	for len(p.buf) >= frameSamples {
		if !p.talking {
			if err := p.speaking(true); err != nil {
				log.Warn().Err(err).Str("module", "adapters.discord").Msg("speaking(true) failed")
			}
			p.talking = true
		}
		frame, err := p.enc.Encode(upmix(p.buf[:frameSamples]))
		p.buf = p.buf[frameSamples:]
		if err != nil {
			return err
		}
		p.send <- frame
	}
	return nil
}

func (p *playbackSink) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if err := p.drainLocked(true); err != nil {
		log.Warn().Err(err).Str("module", "adapters.discord").Msg("final playback frame failed")
	}
	if p.talking {
		if err := p.speaking(false); err != nil {
			log.Warn().Err(err).Str("module", "adapters.discord").Msg("speaking(false) failed")
		}
		p.talking = false
	}
}

// upmix duplicates mono samples into the interleaved stereo layout the
// encoder expects.
func upmix(mono []int16) []int16 {
	stereo := make([]int16, 0, len(mono)*2)
	for _, s := range mono {
		stereo = append(stereo, s, s)
	}
	return stereo
}
