package genai

// ChatMessage is one turn of a chat history.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatHistory is an ordered list of chat turns.
type ChatHistory []ChatMessage

// Tokenizer converts between text and token ids and renders chat templates.
// The engine treats all three operations as pure conversions.
type Tokenizer interface {
	Encode(text string) ([]int64, error)
	Decode(tokens []int64) (string, error)
	ApplyChatTemplate(history ChatHistory, addGenerationPrompt bool, template string) (string, error)
}
