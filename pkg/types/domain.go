package types

// Model represents a discoverable model artifact on disk.
type Model struct {
	// Stable identifier for the model (the artifact file name).
	// example: tinyllama-1.1b-chat.Q8_0.gguf
	ID string `json:"id" example:"tinyllama-1.1b-chat.Q8_0.gguf"`
	// Human-friendly name.
	// example: tinyllama-1.1b-chat.Q8_0
	Name string `json:"name" example:"tinyllama-1.1b-chat.Q8_0"`
	// Absolute path to the artifact on disk.
	// example: /home/user/models/llm/tinyllama-1.1b-chat.Q8_0.gguf
	Path string `json:"path" example:"/home/user/models/llm/tinyllama-1.1b-chat.Q8_0.gguf"`
	// Artifact format derived from the file suffix (gguf or safetensors).
	// example: gguf
	Format string `json:"format" example:"gguf"`
	// Size of the artifact in bytes.
	// example: 1170000000
	SizeBytes int64 `json:"size_bytes" example:"1170000000"`
	// True when a tokenizer.json sits next to the artifact.
	// example: true
	HasTokenizer bool `json:"has_tokenizer" example:"true"`
}

// Turn is one message of the conversation as exposed over the API.
type Turn struct {
	// Speaker role: system, user or assistant.
	// example: user
	Role string `json:"role" example:"user"`
	// Message text.
	// example: hello
	Content string `json:"content" example:"hello"`
}
