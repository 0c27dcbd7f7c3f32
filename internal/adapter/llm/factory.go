package llm

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ModeMock selects the mock client.
const ModeMock = "MOCK"

// NewChatClient returns a MockClient when mode is MOCK and a real Client
// otherwise.
func NewChatClient(mode, baseURL, apiKey string, timeout time.Duration, logger zerolog.Logger) ChatClient {
	if strings.EqualFold(mode, ModeMock) {
		logger.Info().Msg("LLM_MODE=MOCK detected, using mock LLM client")
		return NewMockClient()
	}
	return NewClient(baseURL, apiKey, timeout)
}
