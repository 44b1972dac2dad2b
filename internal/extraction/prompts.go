package extraction

// Fact is one normalized statement about the user, as returned by the
// fact-retrieval completion.
type Fact struct {
	// Text is the declarative statement, e.g. "Moved to Portland".
	Text string `json:"text"`

	// Category is a short free-form tag, e.g. "location".
	Category string `json:"category"`

	// Importance scores how much the fact matters for future
	// conversations, in [0, 1].
	Importance float64 `json:"importance"`

	// Confidence scores how clearly the conversation supports the fact,
	// in [0, 1].
	Confidence float64 `json:"confidence"`
}

// factRetrievalPayload is the fact-retrieval completion document.
type factRetrievalPayload struct {
	Facts []Fact `json:"facts"`
}

// memoryDecision is one ADD/UPDATE decision in the memory-update completion.
// ID references the unified namespace built in the resolution stage.
type memoryDecision struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Text  string `json:"text"`
}

// memoryUpdatePayload is the memory-update completion document.
type memoryUpdatePayload struct {
	Memory []memoryDecision `json:"memory"`
}

// factRetrievalPrompt drives the fact-retrieval completion. The single
// placeholder takes the current date so the model can resolve relative time
// references.
const factRetrievalPrompt = `You are a memory extraction system. Read the conversation below and extract durable facts about the user.

Today's date is %s.

Extract facts such as:
- Personal details (name, location, occupation, family)
- Preferences (likes, dislikes, tools, styles)
- Plans, goals, and commitments
- Habits, routines, and health constraints

Rules:
- Each fact is a single concise declarative sentence about the user.
- Resolve relative dates ("next Friday", "two weeks ago") against today's date.
- Skip small talk, pleasantries, and statements about the assistant.
- Suppress redundant or trivial statements; merge duplicates into one fact.
- Tag each fact with a short lowercase category such as "location", "preference", "work", or "health".
- Score importance (how useful the fact is in future conversations) and confidence (how clearly the conversation states it), both between 0 and 1.
- Return an empty list when the conversation contains no new facts about the user.`

// memoryUpdatePrompt drives the ADD/UPDATE decision completion. The user
// message carries two numbered lists sharing one id namespace: existing
// memories first, then new facts.
const memoryUpdatePrompt = `You are a memory manager. Compare newly extracted facts against a user's existing memories and decide how each fact changes the memory store.

Emit exactly one decision per new fact:
- event "ADD" with the fact's own id when the fact is genuinely new information.
- event "UPDATE" with an existing memory's id when the fact refines, corrects, or supersedes that memory. Set text to the merged, current statement.

Rules:
- Ids refer to the numbered lists in the input. Never invent ids.
- Keep text concise and declarative. When updating, preserve details of the old memory that the new fact does not contradict.
- A fact that exactly duplicates an existing memory is an UPDATE of that memory with unchanged text.
- Do not emit decisions for existing memories that no new fact touches.`

// FactRetrievalSchema returns the JSON Schema constraining the fact-retrieval
// completion to {"facts": [{"text", "category", "importance", "confidence"}]}.
func FactRetrievalSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"facts": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text": map[string]any{
							"type":        "string",
							"description": "One declarative statement about the user.",
						},
						"category": map[string]any{
							"type":        "string",
							"description": "Short lowercase tag, e.g. \"location\".",
						},
						"importance": map[string]any{
							"type":        "number",
							"description": "How useful the fact is later, 0 to 1.",
						},
						"confidence": map[string]any{
							"type":        "number",
							"description": "How clearly the conversation states it, 0 to 1.",
						},
					},
					"required":             []string{"text", "category", "importance", "confidence"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"facts"},
		"additionalProperties": false,
	}
}

// MemoryUpdateSchema returns the JSON Schema constraining the memory-update
// completion to {"memory": [{"id", "event", "text"}]} with event ADD or
// UPDATE.
func MemoryUpdateSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"memory": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id": map[string]any{
							"type":        "string",
							"description": "Unified id of the fact (ADD) or target memory (UPDATE).",
						},
						"event": map[string]any{
							"type": "string",
							"enum": []string{"ADD", "UPDATE"},
						},
						"text": map[string]any{
							"type":        "string",
							"description": "Final memory text after the decision.",
						},
					},
					"required":             []string{"id", "event", "text"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"memory"},
		"additionalProperties": false,
	}
}
