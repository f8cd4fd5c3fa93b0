package generator

import (
	"context"
	"strings"
	"sync"
)

// MockGenerator is a deterministic in-memory Generator for tests and
// examples. Scores are keyed by condition, extractions by property
// name, and replies by a substring of the last user message.
type MockGenerator struct {
	mu          sync.Mutex
	replies     map[string]string
	reply       string
	scores      map[string]float64
	extractions map[string]Extraction
	generateErr error
	scoreErr    error
	extractErr  error
	calls       []string
}

// NewMockGenerator constructs an empty mock. Unknown conditions score
// 0 and unknown properties extract nothing.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{
		replies:     map[string]string{},
		scores:      map[string]float64{},
		extractions: map[string]Extraction{},
	}
}

// WithReply sets the default reply text.
func (m *MockGenerator) WithReply(text string) *MockGenerator {
	m.reply = text
	return m
}

// AddReply registers a reply returned when the last history message
// contains the given substring.
func (m *MockGenerator) AddReply(substring, text string) *MockGenerator {
	m.replies[substring] = text
	return m
}

// AddScore registers the score returned for a condition.
func (m *MockGenerator) AddScore(condition string, score float64) *MockGenerator {
	m.scores[condition] = score
	return m
}

// AddExtraction registers the extraction returned for a property name.
func (m *MockGenerator) AddExtraction(name string, value any, confidence float64) *MockGenerator {
	m.extractions[name] = Extraction{Value: value, Confidence: confidence}
	return m
}

// FailGenerate makes every Generate call return err.
func (m *MockGenerator) FailGenerate(err error) *MockGenerator {
	m.generateErr = err
	return m
}

// FailScore makes every Score call return err.
func (m *MockGenerator) FailScore(err error) *MockGenerator {
	m.scoreErr = err
	return m
}

// FailExtract makes every Extract call return err.
func (m *MockGenerator) FailExtract(err error) *MockGenerator {
	m.extractErr = err
	return m
}

// Calls returns the recorded call log ("generate", "score:<condition>",
// "extract").
func (m *MockGenerator) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockGenerator) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

// Generate implements Generator.
func (m *MockGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.record("generate")
	if m.generateErr != nil {
		return nil, m.generateErr
	}
	text := m.reply
	if len(req.History) > 0 {
		last := req.History[len(req.History)-1].Content
		for sub, reply := range m.replies {
			if strings.Contains(last, sub) {
				text = reply
				break
			}
		}
	}
	if text == "" {
		text = "ok"
	}
	return &Response{
		Text:  text,
		Usage: TokenUsage{PromptTokens: len(req.History), CompletionTokens: 1, TotalTokens: len(req.History) + 1},
	}, nil
}

// Score implements Generator.
func (m *MockGenerator) Score(ctx context.Context, text, condition string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.record("score:" + condition)
	if m.scoreErr != nil {
		return 0, m.scoreErr
	}
	return m.scores[condition], nil
}

// Extract implements Generator.
func (m *MockGenerator) Extract(ctx context.Context, text string, schema map[string]any) (map[string]Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.record("extract")
	if m.extractErr != nil {
		return nil, m.extractErr
	}
	out := map[string]Extraction{}
	props, _ := schema["properties"].(map[string]any)
	for name := range props {
		if ex, ok := m.extractions[name]; ok {
			out[name] = ex
		}
	}
	return out, nil
}

// Info implements Generator.
func (m *MockGenerator) Info() Info {
	return Info{Name: "mock", Provider: "mock"}
}

var _ Generator = (*MockGenerator)(nil)
