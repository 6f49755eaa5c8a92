package completion

const (
	ObjectChunk      = "chat.completion.chunk"
	ObjectCompletion = "chat.completion"

	FinishStop = "stop"
)

// ChatCompletionChunk is one frame of a streamed response.
type ChatCompletionChunk struct {
	ID                string        `json:"id"`
	Object            string        `json:"object"`
	Created           int64         `json:"created"`
	Model             string        `json:"model"`
	SystemFingerprint string        `json:"system_fingerprint"`
	Choices           []ChunkChoice `json:"choices"`
}

type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	Logprobs     any     `json:"logprobs"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is empty on the terminal chunk, so the content key is omitted there.
type Delta struct {
	Content *string `json:"content,omitempty"`
}

// ChatCompletion is the single-object (non-streamed) response.
type ChatCompletion struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
	Choices           []Choice `json:"choices"`
	Usage             Usage    `json:"usage"`
}

type Choice struct {
	Index        int            `json:"index"`
	Message      MessageContent `json:"message"`
	Logprobs     any            `json:"logprobs"`
	FinishReason string         `json:"finish_reason"`
}

type MessageContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage mirrors the provider's token accounting. Counts the provider did not
// report stay absent from the payload.
type Usage struct {
	CompletionTokens        *int                    `json:"completion_tokens,omitempty"`
	PromptTokens            *int                    `json:"prompt_tokens,omitempty"`
	TotalTokens             *int                    `json:"total_tokens,omitempty"`
	CompletionTokensDetails CompletionTokensDetails `json:"completion_tokens_details"`
}

type CompletionTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}
