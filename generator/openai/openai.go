// Package openai implements generator.Generator on the OpenAI API.
// Replies and extraction use Chat Completions; condition scoring uses
// embedding cosine similarity so it stays cheap enough to run per rule.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/openai/openai-go"

	"github.com/hupe1980/convocore/core"
	"github.com/hupe1980/convocore/generator"
)

// Options configure the OpenAI generator adapter. Kept to the subset of
// Chat Completion parameters the decision core needs.
type Options struct {
	Model               string
	EmbeddingModel      string
	Temperature         float64
	MaxCompletionTokens int64
}

// Generator wraps the OpenAI API behind the generic generator.Generator
// interface.
type Generator struct {
	client *openai.Client
	opts   Options
}

// New creates an OpenAI generator using the official client configured
// from the environment.
func New(optFns ...func(o *Options)) *Generator {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates an OpenAI generator from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Generator {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		EmbeddingModel:      openai.EmbeddingModelTextEmbedding3Small,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Generator{client: client, opts: opts}
}

// Generate implements generator.Generator.
func (g *Generator) Generate(ctx context.Context, req generator.Request) (*generator.Response, error) {
	messages := buildMessages(req)
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               g.opts.Model,
		Temperature:         openai.Float(g.opts.Temperature),
		MaxCompletionTokens: openai.Int(g.opts.MaxCompletionTokens),
	})
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}
	return &generator.Response{
		Text: resp.Choices[0].Message.Content,
		Usage: generator.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Score implements generator.Generator via embedding cosine similarity,
// rescaled from [-1,1] to [0,1].
func (g *Generator) Score(ctx context.Context, text, condition string) (float64, error) {
	resp, err := g.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: g.opts.EmbeddingModel,
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text, condition},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("openai embeddings error: %w", err)
	}
	if len(resp.Data) != 2 {
		return 0, fmt.Errorf("expected 2 embeddings, got %d", len(resp.Data))
	}
	sim := cosine(resp.Data[0].Embedding, resp.Data[1].Embedding)
	return (sim + 1) / 2, nil
}

// Extract implements generator.Generator using a JSON-mode completion.
func (g *Generator) Extract(ctx context.Context, text string, schema map[string]any) (map[string]generator.Extraction, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(extractionPrompt(string(schemaJSON))),
			openai.UserMessage(text),
		},
		Model:       g.opts.Model,
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}
	return parseExtractions(resp.Choices[0].Message.Content)
}

// Info implements generator.Generator.
func (g *Generator) Info() generator.Info {
	return generator.Info{Name: g.opts.Model, Provider: "openai"}
}

// buildMessages converts the normalized request into chat messages.
// Tool outcomes are surfaced as a trailing system note so the model can
// ground its reply in them.
func buildMessages(req generator.Request) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.History {
		switch m.Role {
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case core.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	if note := outcomeNote(req.Outcomes); note != "" {
		messages = append(messages, openai.SystemMessage(note))
	}
	return messages
}

func outcomeNote(outcomes []core.ToolOutcome) string {
	if len(outcomes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Tool results for this turn:\n")
	for _, o := range outcomes {
		raw, _ := json.Marshal(o)
		b.Write(raw)
		b.WriteByte('\n')
	}
	return b.String()
}

func extractionPrompt(schemaJSON string) string {
	return "Extract the properties described by this JSON schema from the user message. " +
		"Respond with a JSON object mapping each property you can find to " +
		`{"value": <value>, "confidence": <0..1>}. Omit properties the message does not mention. ` +
		"Schema: " + schemaJSON
}

func parseExtractions(content string) (map[string]generator.Extraction, error) {
	var raw map[string]generator.Extraction
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}
	return raw, nil
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var _ generator.Generator = (*Generator)(nil)
