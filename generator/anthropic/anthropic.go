// Package anthropic implements generator.Generator on the Anthropic
// Messages API. Scoring and extraction use structured prompting since
// the API exposes no embedding endpoint.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/convocore/core"
	"github.com/hupe1980/convocore/generator"
)

// Options configure the Anthropic generator adapter.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Generator wraps the Anthropic Messages API behind the generic
// generator.Generator interface.
type Generator struct {
	client *anthropic.Client
	opts   Options
}

// New creates an Anthropic generator using the official client.
func New(optFns ...func(o *Options)) *Generator {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Generator{client: &client, opts: opts}
}

// NewFromClient creates an Anthropic generator from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Generator {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Generator{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// Generate implements generator.Generator.
func (g *Generator) Generate(ctx context.Context, req generator.Request) (*generator.Response, error) {
	params := anthropic.MessageNewParams{
		Model:       g.opts.Model,
		Messages:    buildMessages(req),
		MaxTokens:   g.opts.MaxTokens,
		Temperature: anthropic.Float(g.opts.Temperature),
	}
	if system := systemBlocks(req); len(system) > 0 {
		params.System = system
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	return &generator.Response{
		Text: textOf(resp),
		Usage: generator.TokenUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

// Score implements generator.Generator by asking the model for a bare
// numeric rating.
func (g *Generator) Score(ctx context.Context, text, condition string) (float64, error) {
	resp, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     g.opts.Model,
		MaxTokens: 8,
		System: []anthropic.TextBlockParam{{
			Text: "Rate how well the message satisfies the condition. " +
				"Respond with only a decimal between 0.0 and 1.0.",
		}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(
				"Condition: " + condition + "\nMessage: " + text,
			)),
		},
		Temperature: anthropic.Float(0),
	})
	if err != nil {
		return 0, fmt.Errorf("anthropic api error: %w", err)
	}

	raw := strings.TrimSpace(textOf(resp))
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable score %q: %w", raw, err)
	}
	return min(max(score, 0), 1), nil
}

// Extract implements generator.Generator.
func (g *Generator) Extract(ctx context.Context, text string, schema map[string]any) (map[string]generator.Extraction, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	resp, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     g.opts.Model,
		MaxTokens: g.opts.MaxTokens,
		System: []anthropic.TextBlockParam{{
			Text: "Extract the properties described by this JSON schema from the user message. " +
				"Respond with only a JSON object mapping each property you can find to " +
				`{"value": <value>, "confidence": <0..1>}. Omit properties the message does not mention. ` +
				"Schema: " + string(schemaJSON),
		}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
		Temperature: anthropic.Float(0),
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	var out map[string]generator.Extraction
	if err := json.Unmarshal([]byte(strings.TrimSpace(textOf(resp))), &out); err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}
	return out, nil
}

// Info implements generator.Generator.
func (g *Generator) Info() generator.Info {
	return generator.Info{Name: string(g.opts.Model), Provider: "anthropic"}
}

// buildMessages converts history and tool outcomes into alternating
// Messages API turns. System-role entries move into the system prompt.
func buildMessages(req generator.Request) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, m := range req.History {
		switch m.Role {
		case core.RoleSystem:
			continue
		case core.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if note := outcomeNote(req.Outcomes); note != "" {
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(note)))
	}
	return messages
}

func systemBlocks(req generator.Request) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	if req.System != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: req.System})
	}
	for _, m := range req.History {
		if m.Role == core.RoleSystem {
			blocks = append(blocks, anthropic.TextBlockParam{Text: m.Content})
		}
	}
	return blocks
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

func textOf(resp *anthropic.Message) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return b.String()
}

var _ generator.Generator = (*Generator)(nil)
