package domain

// Speaker is the attribution attached to one audio turn.
// ID may be empty when the capture layer could not resolve the user.
type Speaker struct {
	Label string
	ID    UserID
}

// NewSpeaker avoids raw literals in the ingest path and keeps construction obvious.
func NewSpeaker(label string, id UserID) Speaker {
	return Speaker{Label: label, ID: id}
}
