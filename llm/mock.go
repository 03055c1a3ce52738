package llm

import "context"

// MockResponse is the fixed text the mock generator returns. Test-mode
// runs use it so no network call ever happens.
const MockResponse = "// generated in test mode\n"

// Mock is a Generator that returns a fixed string. The zero value is
// usable; set Response to override the default and Err to force failures.
type Mock struct {
	Response string
	Err      error

	// Prompts records every prompt received, for assertions.
	Prompts []string
}

// Generate returns the configured response without any provider call.
func (m *Mock) Generate(_ context.Context, prompt string, _ int) (string, error) {
	m.Prompts = append(m.Prompts, prompt)
	if m.Err != nil {
		return "", m.Err
	}
	if m.Response != "" {
		return m.Response, nil
	}
	return MockResponse, nil
}
