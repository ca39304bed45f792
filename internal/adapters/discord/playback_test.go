package discord

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type speakingLog struct {
	mu    sync.Mutex
	calls []bool
}

func (s *speakingLog) set(b bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, b)
	return nil
}

func (s *speakingLog) log() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.calls...)
}

func monoBytes(samples int, value int16) []byte {
	b := make([]byte, 0, samples*2)
	for i := 0; i < samples; i++ {
		b = binary.LittleEndian.AppendUint16(b, uint16(value))
	}
	return b
}

func TestPlaybackFramesAcrossWrites(t *testing.T) {
	send := make(chan []byte, 8)
	sp := &speakingLog{}
	sink, err := newPlaybackSink(identityCodec{}, send, sp.set)
	require.NoError(t, err)

	// Half a frame buffers silently; the second half completes it.
	require.NoError(t, sink.WritePCM(monoBytes(frameSamples/2, 3)))
	assert.Empty(t, send)

	require.NoError(t, sink.WritePCM(monoBytes(frameSamples/2, 3)))
	require.Len(t, send, 1)

	frame := <-send
	// Identity "encoder": stereo frame = 960 samples * 2 channels * 2 bytes.
	assert.Len(t, frame, frameSamples*channels*2)
	// Mono sample duplicated into both channels.
	assert.Equal(t, int16(3), int16(binary.LittleEndian.Uint16(frame[0:])))
	assert.Equal(t, int16(3), int16(binary.LittleEndian.Uint16(frame[2:])))
	assert.Equal(t, []bool{true}, sp.log())
}

func TestPlaybackClosePadsTail(t *testing.T) {
	send := make(chan []byte, 8)
	sp := &speakingLog{}
	sink, err := newPlaybackSink(identityCodec{}, send, sp.set)
	require.NoError(t, err)

	require.NoError(t, sink.WritePCM(monoBytes(10, 9)))
	assert.Empty(t, send)

	sink.Close()
	require.Len(t, send, 1)
	frame := <-send
	assert.Len(t, frame, frameSamples*channels*2)
	// Ten real mono samples occupy stereo bytes 0..79; padding follows.
	assert.Equal(t, int16(9), int16(binary.LittleEndian.Uint16(frame[76:])))
	assert.Equal(t, int16(0), int16(binary.LittleEndian.Uint16(frame[80:])))
	assert.Equal(t, []bool{true, false}, sp.log())
}

func TestPlaybackWriteAfterCloseIsNoop(t *testing.T) {
	send := make(chan []byte, 8)
	sp := &speakingLog{}
	sink, err := newPlaybackSink(identityCodec{}, send, sp.set)
	require.NoError(t, err)

	sink.Close()
	require.NoError(t, sink.WritePCM(monoBytes(frameSamples, 1)))
	assert.Empty(t, send)
	assert.Empty(t, sp.log(), "never spoke, never toggles")
}

func TestPlaybackCloseIdempotent(t *testing.T) {
	send := make(chan []byte, 8)
	sp := &speakingLog{}
	sink, err := newPlaybackSink(identityCodec{}, send, sp.set)
	require.NoError(t, err)

	require.NoError(t, sink.WritePCM(monoBytes(frameSamples, 1)))
	sink.Close()
	sink.Close()
	assert.Equal(t, []bool{true, false}, sp.log())
}
