package realtime

// SessionUpdate builds the configuration event sent right after connect:
// audio in both directions as raw PCM16, with the bridge's voice and
// standing instructions.
func SessionUpdate(voice, instructions string) any {
	return sessionUpdateEvent{
		Type: typeSessionUpdate,
		Session: sessionConfig{
			Modalities:        []string{"text", "audio"},
			Voice:             voice,
			Instructions:      instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
		},
	}
}

// ResponseRequest builds a response.create carrying one-off instructions,
// used for the initial greeting turn.
func ResponseRequest(instructions string) any {
	return responseCreateEvent{
		Type:     typeResponseCreate,
		Response: &responseConfig{Instructions: instructions},
	}
}
