package llm

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Schema describes the JSON shape a schema-constrained completion must
// produce. Providers with native structured-output support pass it through to
// the backend; others embed it in the prompt and validate the reply
// themselves.
type Schema struct {
	// Name identifies the schema to the backend (e.g., "fact_retrieval").
	// Backends that surface it require ^[a-zA-Z0-9_-]+$.
	Name string

	// Description tells the model what the payload represents.
	Description string

	// Definition is the JSON Schema document as a generic map, ready to be
	// serialised into a request body.
	Definition map[string]any
}
