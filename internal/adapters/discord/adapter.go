// Package discord joins guild voice channels and bridges their audio in both
// directions. It owns the gateway session, the per-channel voice connections
// and the SSRC bookkeeping; everything past raw PCM belongs to the bridge.
package discord

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"github.com/jbax1899/daneel/internal/core"
	"github.com/jbax1899/daneel/internal/domain"
)

// SessionManager is the bridge surface the adapter drives: the event methods
// of core.Bridge plus session lifecycle.
type SessionManager interface {
	core.Bridge
	AddSession(ctx context.Context, call domain.CallID, playback core.PlaybackSink) error
	RemoveSession(call domain.CallID)
}

type activeCall struct {
	call   domain.Call
	vc     *discordgo.VoiceConnection
	cancel context.CancelFunc
}

type Adapter struct {
	session *discordgo.Session
	mgr     SessionManager
	codec   Codec

	mu    sync.Mutex
	calls map[string]*activeCall // keyed by channel id
}

func New(token string, mgr SessionManager, codec Codec) (*Adapter, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create gateway session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	a := &Adapter{
		session: s,
		mgr:     mgr,
		codec:   codec,
		calls:   make(map[string]*activeCall),
	}
	s.AddHandler(a.onVoiceState)
	return a, nil
}

func (a *Adapter) Start() error {
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	log.Info().Str("module", "adapters.discord").Msg("gateway connected")
	return nil
}

func (a *Adapter) Stop() {
	a.mu.Lock()
	channels := make([]string, 0, len(a.calls))
	for ch := range a.calls {
		channels = append(channels, ch)
	}
	a.mu.Unlock()
	for _, ch := range channels {
		a.Leave(ch)
	}
	if err := a.session.Close(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.discord").Msg("gateway close failed")
	}
}

// Join connects the bot to a voice channel and brings up a bridge session for
// it. The channel id doubles as the call id.
func (a *Adapter) Join(ctx context.Context, guildID, channelID string) error {
	a.mu.Lock()
	_, exists := a.calls[channelID]
	a.mu.Unlock()
	if exists {
		return fmt.Errorf("already joined channel %s", channelID)
	}

	vc, err := a.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return fmt.Errorf("join voice channel %s: %w", channelID, err)
	}

	call := domain.CallID(channelID)
	sink, err := newPlaybackSink(a.codec, vc.OpusSend, vc.Speaking)
	if err != nil {
		_ = vc.Disconnect()
		return fmt.Errorf("playback encoder: %w", err)
	}
	if err := a.mgr.AddSession(ctx, call, sink); err != nil {
		_ = vc.Disconnect()
		return err
	}

	capt := newCapture(call, a.mgr, a.codec)
	vc.AddHandler(capt.onSpeaking)
	cctx, cancel := context.WithCancel(ctx)
	go capt.run(cctx, vc.OpusRecv)

	a.mu.Lock()
	a.calls[channelID] = &activeCall{
		call:   domain.Call{ID: call, Guild: domain.GuildID(guildID)},
		vc:     vc,
		cancel: cancel,
	}
	a.mu.Unlock()

	a.seedRoster(call, guildID, channelID)
	log.Info().Str("module", "adapters.discord").Str("guild", guildID).Str("channel", channelID).Msg("joined voice channel")
	return nil
}

// Leave disconnects from the channel and ends its bridge session. Idempotent.
func (a *Adapter) Leave(channelID string) {
	a.mu.Lock()
	ac, ok := a.calls[channelID]
	if ok {
		delete(a.calls, channelID)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	ac.cancel()
	a.mgr.RemoveSession(ac.call.ID)
	if err := ac.vc.Disconnect(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.discord").Str("channel", channelID).Msg("voice disconnect failed")
	}
	log.Info().Str("module", "adapters.discord").Str("guild", string(ac.call.Guild)).Str("channel", channelID).Msg("left voice channel")
}

// seedRoster registers everyone already sitting in the channel when the bot
// joins, since no voice-state events will fire for them.
func (a *Adapter) seedRoster(call domain.CallID, guildID, channelID string) {
	g, err := a.session.State.Guild(guildID)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.discord").Str("guild", guildID).Msg("guild not in state cache, roster starts empty")
		return
	}
	for _, vs := range g.VoiceStates {
		if vs.ChannelID != channelID || a.isSelf(vs.UserID) {
			continue
		}
		a.upsertParticipant(call, guildID, vs.UserID)
	}
}

func (a *Adapter) isSelf(userID string) bool {
	return a.session.State.User != nil && a.session.State.User.ID == userID
}

func (a *Adapter) upsertParticipant(call domain.CallID, guildID, userID string) {
	name := a.resolveName(guildID, userID)
	p, err := domain.NewParticipant(domain.UserID(userID), name)
	if err != nil {
		// Names can exceed the roster limit; fall back to the bare id.
		p = &domain.Participant{ID: domain.UserID(userID), DisplayName: userID}
	}
	a.mgr.UpdateParticipant(call, p)
}

func (a *Adapter) resolveName(guildID, userID string) string {
	m, err := a.session.State.Member(guildID, userID)
	if err != nil || m == nil {
		return userID
	}
	if m.Nick != "" {
		return m.Nick
	}
	if m.User != nil {
		if m.User.GlobalName != "" {
			return m.User.GlobalName
		}
		if m.User.Username != "" {
			return m.User.Username
		}
	}
	return userID
}

// onVoiceState keeps the per-call roster in step with people joining, leaving
// or moving between channels.
func (a *Adapter) onVoiceState(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs == nil || vs.VoiceState == nil || a.isSelf(vs.UserID) {
		return
	}

	// Left or moved away from a channel we bridge.
	if vs.BeforeUpdate != nil && vs.BeforeUpdate.ChannelID != "" && vs.BeforeUpdate.ChannelID != vs.ChannelID {
		if a.bridged(vs.BeforeUpdate.ChannelID) {
			a.mgr.RemoveParticipant(domain.CallID(vs.BeforeUpdate.ChannelID), domain.UserID(vs.UserID))
		}
	}

	// Joined or moved into a channel we bridge.
	if vs.ChannelID != "" && a.bridged(vs.ChannelID) {
		a.upsertParticipant(domain.CallID(vs.ChannelID), vs.GuildID, vs.UserID)
	}
}

func (a *Adapter) bridged(channelID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.calls[channelID]
	return ok
}
