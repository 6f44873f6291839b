package ai

// Gemini REST payloads, trimmed to what a text-only chat needs.
// Reference: https://ai.google.dev/api/generate-content

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"` // "user" | "model"
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text    string `json:"text,omitempty"`
	Thought *bool  `json:"thought,omitempty"`
}

type geminiGenerationConfig struct {
	ThinkingConfig *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiThinkingConfig struct {
	ThinkingBudget *int `json:"thinkingBudget,omitempty"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
	Error      *geminiAPIError   `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// text joins the visible text parts of the first candidate, skipping thought parts.
func (r *geminiResponse) text() []string {
	if len(r.Candidates) == 0 {
		return nil
	}

	var out []string
	for _, part := range r.Candidates[0].Content.Parts {
		if part.Thought != nil && *part.Thought {
			continue
		}
		if part.Text != "" {
			out = append(out, part.Text)
		}
	}
	return out
}

func userContent(text string) geminiContent {
	return geminiContent{Role: "user", Parts: []geminiPart{{Text: text}}}
}

func modelContent(text string) geminiContent {
	return geminiContent{Role: "model", Parts: []geminiPart{{Text: text}}}
}
