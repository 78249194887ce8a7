package parser

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/genai"
)

const defaultModel = "gemini-2.5-flash"

// generateFunc sends one prompt and returns the raw text answer.
type generateFunc func(ctx context.Context, prompt string, schema *genai.Schema) (string, error)

// GenAI extracts records with a Gemini model constrained to a JSON schema.
type GenAI struct {
	generate  generateFunc
	model     string
	assignees []string
}

// NewGenAI builds a parser. A blank apiKey is accepted; every Parse call then
// fails with a credentials UpstreamError.
func NewGenAI(ctx context.Context, apiKey, model string, assignees []string) (*GenAI, error) {
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	p := &GenAI{model: model, assignees: assignees}
	if strings.TrimSpace(apiKey) == "" {
		log.Warn("GEMINI_API_KEY is not set, document import is disabled")
		return p, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	p.generate = func(ctx context.Context, prompt string, schema *genai.Schema) (string, error) {
		temperature := float32(0)
		resp, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{
			Temperature:      &temperature,
			ResponseMIMEType: "application/json",
			ResponseSchema:   schema,
		})
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}
	return p, nil
}

func (p *GenAI) Model() string {
	return p.model
}

func (p *GenAI) Parse(ctx context.Context, text string) ([]Record, error) {
	if p.generate == nil {
		return nil, upstream(KindCredentials, nil, "no model API key configured")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, upstream(KindEmptyInput, nil, "no text to extract tasks from")
	}

	raw, err := p.generate(ctx, p.prompt(text), recordSchema(p.assignees))
	if err != nil {
		return nil, upstream(KindModel, err, "model %s request failed", p.model)
	}
	records, err := Decode(raw, p.assignees)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"model": p.model, "records": len(records)}).Debug("document parsed")
	return records, nil
}

func (p *GenAI) prompt(text string) string {
	var b strings.Builder
	b.WriteString("Extract every actionable task from the document below, in the order they appear.\n")
	b.WriteString("For each task give a short title, a one or two sentence description, ")
	b.WriteString("a priority (low, medium or high) and an assignee chosen from: ")
	b.WriteString(strings.Join(p.assignees, ", "))
	b.WriteString(".\nUse the first assignee when the document names nobody.\n\nDocument:\n")
	b.WriteString(text)
	return b.String()
}

func recordSchema(assignees []string) *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"records": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"title":       {Type: genai.TypeString},
						"description": {Type: genai.TypeString},
						"priority":    {Type: genai.TypeString, Enum: priorityNames()},
						"assignee":    {Type: genai.TypeString, Enum: assignees},
					},
					Required:         []string{"title", "description", "priority", "assignee"},
					PropertyOrdering: []string{"title", "description", "priority", "assignee"},
				},
			},
		},
		Required: []string{"records"},
	}
}
