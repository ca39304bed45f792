// Package core defines the boundary between the bridge and its voice-platform
// collaborators. Adapters own the sockets and codecs; the bridge only sees
// raw PCM and roster updates through these interfaces.
package core

import (
	"time"

	"github.com/jbax1899/daneel/internal/domain"
)

// Frame is a raw PCM payload (16-bit little-endian mono).
type Frame []byte

// PlaybackSink accepts synthesized PCM for playback into the call.
// Implementations re-frame to the platform frame size and encode internally.
// Owned by the adapter; the bridge calls Close when the session ends.
type PlaybackSink interface {
	WritePCM(pcm []byte) error
	Close()
}

// Bridge is what capture-side adapters drive. Audio and silence events are
// fire-and-forget: ordering per call is the bridge's responsibility, and a
// full queue drops rather than blocks the capture path.
type Bridge interface {
	HandleUserAudio(call domain.CallID, user domain.UserID, pcm Frame)
	HandleUserSilence(call domain.CallID, user domain.UserID)

	UpdateParticipant(call domain.CallID, p *domain.Participant)
	RemoveParticipant(call domain.CallID, user domain.UserID)
}

// SessionInfo is a read-only view of one live call for APIs.
type SessionInfo struct {
	ID           domain.CallID        `json:"id"`
	State        string               `json:"state"`
	Participants []domain.Participant `json:"participants"`
	Turns        int                  `json:"turns"`
	StartedAt    time.Time            `json:"started_at"`
	LastAudioAt  time.Time            `json:"last_audio_at"`
}
