package discord

import (
	"layeh.com/gopus"
)

// OpusDecoder turns one received opus payload into interleaved stereo s16le
// PCM at the platform rate.
type OpusDecoder interface {
	Decode(opus []byte) ([]int16, error)
}

// OpusEncoder turns one 20ms interleaved stereo frame into an opus payload.
type OpusEncoder interface {
	Encode(pcm []int16) ([]byte, error)
}

// Codec creates per-stream decoders and per-connection encoders. Voice and
// encoder state are stateful in opus, so every SSRC gets its own decoder.
type Codec interface {
	NewDecoder() (OpusDecoder, error)
	NewEncoder() (OpusEncoder, error)
}

type gopusCodec struct{}

// NewCodec returns the default opus codec.
func NewCodec() Codec { return gopusCodec{} }

type gopusDecoder struct {
	dec *gopus.Decoder
}

func (g gopusCodec) NewDecoder() (OpusDecoder, error) {
	dec, err := gopus.NewDecoder(frameRate, channels)
	if err != nil {
		return nil, err
	}
	return &gopusDecoder{dec: dec}, nil
}

func (d *gopusDecoder) Decode(opus []byte) ([]int16, error) {
	return d.dec.Decode(opus, frameSamples, false)
}

type gopusEncoder struct {
	enc *gopus.Encoder
}

func (g gopusCodec) NewEncoder() (OpusEncoder, error) {
	enc, err := gopus.NewEncoder(frameRate, channels, gopus.Audio)
	if err != nil {
		return nil, err
	}
	return &gopusEncoder{enc: enc}, nil
}

func (e *gopusEncoder) Encode(pcm []int16) ([]byte, error) {
	return e.enc.Encode(pcm, frameSamples, maxOpusBytes)
}
