package domain

type (
	CallID  string
	GuildID string
)

// Call identifies one voice-channel session. All bridge state is scoped to it.
type Call struct {
	ID    CallID
	Guild GuildID
}
