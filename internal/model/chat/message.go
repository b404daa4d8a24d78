package chat

// Role identifies the author of a prompt turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the prompt history sent upstream. The JSON shape is
// the persisted document format.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemMessage builds a persona turn.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user turn.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds a model reply turn.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
