package llm

// Config holds LLM endpoint settings shared by providers.
type Config struct {
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float32
	// MaxRetries caps retry attempts on retryable errors.
	MaxRetries int
	// ExcludeTools are never offered in the function schema even when
	// registered (e.g. screenshot tools pushed over a side channel).
	ExcludeTools []string
}
