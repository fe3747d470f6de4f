package protocol

// Roles used by prompt and sampling messages
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Prompt represents a prompt in the MCP protocol
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes an argument accepted by a prompt
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage defines a message in a rendered prompt
type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// ListPromptsResult defines the response for listing prompts
type ListPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// GetPromptParams defines parameters for rendering a prompt
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
	Meta      *RequestMeta      `json:"_meta,omitempty"`
}

// GetPromptResult defines the response for rendering a prompt
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// UserMessage builds a user-role text message.
func UserMessage(text string) PromptMessage {
	return PromptMessage{Role: RoleUser, Content: TextContent(text)}
}

// AssistantMessage builds an assistant-role text message.
func AssistantMessage(text string) PromptMessage {
	return PromptMessage{Role: RoleAssistant, Content: TextContent(text)}
}
