package discord

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"github.com/jbax1899/daneel/internal/core"
	"github.com/jbax1899/daneel/internal/domain"
)

const (
	frameRate    = 48000
	channels     = 2
	frameSamples = 960 // samples per channel, 20ms
	maxOpusBytes = frameSamples * 2 * channels

	// How long after the last packet a user counts as having stopped talking.
	silenceAfter  = 250 * time.Millisecond
	watchdogEvery = 100 * time.Millisecond
)

// capture drains one voice connection's receive channel, resolves SSRCs to
// users, downmixes to mono and hands PCM to the bridge. SSRC mappings come
// from speaking events, which Discord sends before the first packet of a
// stream.
type capture struct {
	call   domain.CallID
	bridge core.Bridge
	codec  Codec

	mu       sync.Mutex
	ssrc     map[uint32]domain.UserID
	decoders map[uint32]OpusDecoder
	lastSeen map[domain.UserID]time.Time
}

func newCapture(call domain.CallID, bridge core.Bridge, codec Codec) *capture {
	return &capture{
		call:     call,
		bridge:   bridge,
		codec:    codec,
		ssrc:     make(map[uint32]domain.UserID),
		decoders: make(map[uint32]OpusDecoder),
		lastSeen: make(map[domain.UserID]time.Time),
	}
}

// onSpeaking is registered on the voice connection and keeps the SSRC table
// current. A user re-keying (rejoin, region move) simply overwrites.
func (c *capture) onSpeaking(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.mu.Lock()
	c.ssrc[uint32(vs.SSRC)] = domain.UserID(vs.UserID)
	c.mu.Unlock()
}

func (c *capture) userFor(ssrc uint32) domain.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ssrc[ssrc]
}

func (c *capture) decoderFor(ssrc uint32) (OpusDecoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dec, ok := c.decoders[ssrc]; ok {
		return dec, nil
	}
	dec, err := c.codec.NewDecoder()
	if err != nil {
		return nil, err
	}
	c.decoders[ssrc] = dec
	return dec, nil
}

// run pumps packets until ctx is cancelled or recv closes. The watchdog turns
// packet gaps into per-user silence events so open turns get committed even
// when Discord never sends an explicit stop.
func (c *capture) run(ctx context.Context, recv <-chan *discordgo.Packet) {
	tick := time.NewTicker(watchdogEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-recv:
			if !ok {
				return
			}
			c.handlePacket(p)
		case now := <-tick.C:
			c.sweepSilence(now)
		}
	}
}

func (c *capture) handlePacket(p *discordgo.Packet) {
	if p == nil || len(p.Opus) == 0 {
		return
	}
	dec, err := c.decoderFor(p.SSRC)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.discord").Uint32("ssrc", p.SSRC).Msg("decoder init failed")
		return
	}
	stereo, err := dec.Decode(p.Opus)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.discord").Uint32("ssrc", p.SSRC).Msg("opus decode failed, dropping packet")
		return
	}

	user := c.userFor(p.SSRC)
	c.mu.Lock()
	c.lastSeen[user] = time.Now()
	c.mu.Unlock()

	c.bridge.HandleUserAudio(c.call, user, downmix(stereo))
}

func (c *capture) sweepSilence(now time.Time) {
	c.mu.Lock()
	var quiet []domain.UserID
	for user, t := range c.lastSeen {
		if now.Sub(t) >= silenceAfter {
			quiet = append(quiet, user)
			delete(c.lastSeen, user)
		}
	}
	c.mu.Unlock()
	for _, user := range quiet {
		c.bridge.HandleUserSilence(c.call, user)
	}
}

// downmix folds interleaved stereo samples into mono s16le bytes.
func downmix(stereo []int16) []byte {
	mono := make([]byte, 0, len(stereo))
	for i := 0; i+1 < len(stereo); i += 2 {
		s := (int32(stereo[i]) + int32(stereo[i+1])) / 2
		mono = binary.LittleEndian.AppendUint16(mono, uint16(int16(s)))
	}
	return mono
}
