package domain

// LLMSettings configures the chat model behind the analysis agent.
// These are the runtime-editable settings; they are persisted with the API
// key encrypted.
type LLMSettings struct {
	Mode          string  `json:"mode"`           // "local" (Ollama /v1) or "remote"
	LocalURL      string  `json:"local_url"`      // "http://localhost:11434/v1"
	RemoteURL     string  `json:"remote_url"`     // "https://api.openai.com/v1"
	APIKey        string  `json:"api_key"`        // Encrypted in storage
	Model         string  `json:"model"`          // "gpt-3.5-turbo", "llama3.1"
	Temperature   float64 `json:"temperature"`    // 0 keeps answers deterministic
	MaxIterations int     `json:"max_iterations"` // tool-calling rounds per query
}

// BaseURL returns the endpoint for the configured mode.
func (s LLMSettings) BaseURL() string {
	if s.Mode == "remote" {
		return s.RemoteURL
	}
	return s.LocalURL
}

// DefaultLLMSettings returns safe defaults.
func DefaultLLMSettings() LLMSettings {
	return LLMSettings{
		Mode:          "local",
		LocalURL:      "http://localhost:11434/v1",
		RemoteURL:     "https://api.openai.com/v1",
		Model:         "gpt-3.5-turbo",
		MaxIterations: 5,
	}
}
