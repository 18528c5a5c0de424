// Package llm is the model-vendor abstraction shared by the analysis
// pipeline and the report grader. Vendor subpackages (anthropic, openai,
// gemini) translate the types here into their wire formats; nothing
// outside this package tree speaks a vendor API directly.
package llm

import "context"

// Content block types carried in ContentBlock.Type.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Provider is a request/response model backend.
type Provider interface {
	// SendMessage sends a conversation and returns the full response.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the vendor identifier (e.g. "anthropic").
	Name() string
}

// Request is one conversation sent to a model.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Tools        []ToolDefinition // nil = tool use disabled
}

// ToolDefinition describes a tool the model may call during a turn.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Message is a single conversation turn. Plain prompts set Content;
// tool-use turns set ContentBlocks. Never both.
type Message struct {
	Role          Role
	Content       string
	ContentBlocks []ContentBlock
}

// ContentBlock is a tagged union over the block types above.
// Type decides which of the remaining fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockToolUse
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// BlockToolResult
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool invocation block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds the answer to a tool invocation. The tool loop in
// the agent invoker feeds these back as user-role content.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Text: content, IsError: isError}
}

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Canonical stop reasons. Vendors that report differently normalize to these.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Response is a complete model answer.
type Response struct {
	Content       string         // Concatenated text, for callers that only want prose.
	ContentBlocks []ContentBlock // Full structured answer including tool_use blocks.
	Usage         Usage
	StopReason    string
}

// HasToolUse reports whether the model stopped to request tool execution.
func (r *Response) HasToolUse() bool {
	return r.StopReason == StopToolUse
}

// ToolUseBlocks returns the tool invocations the model requested, in order.
func (r *Response) ToolUseBlocks() []ContentBlock {
	var blocks []ContentBlock
	for _, b := range r.ContentBlocks {
		if b.Type == BlockToolUse {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// Usage tracks token consumption for cost accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
