package domain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
)

func TestAgentSettings_ValidateRanges(t *testing.T) {
	ok := AgentSettings{Temperature: 0.7, MaxTokens: 500, ResponseDelaySec: 5}
	require.NoError(t, ok.Validate())

	cases := []AgentSettings{
		{Temperature: -0.1, MaxTokens: 500},
		{Temperature: 1.1, MaxTokens: 500},
		{Temperature: 0.5, MaxTokens: 0},
		{Temperature: 0.5, MaxTokens: 2001},
		{Temperature: 0.5, MaxTokens: 500, ResponseDelaySec: 31},
	}
	for _, c := range cases {
		err := c.Validate()
		require.Error(t, err)
		require.True(t, apperr.Is(err, apperr.InvalidInput))
	}
}

func TestStageFor_Bands(t *testing.T) {
	require.Equal(t, StagePreProcess, StageFor(0))
	require.Equal(t, StagePreProcess, StageFor(99))
	require.Equal(t, StageMain, StageFor(100))
	require.Equal(t, StageMain, StageFor(199))
	require.Equal(t, StagePostProcess, StageFor(200))
	require.Equal(t, StagePostProcess, StageFor(999))
}

func TestValidatePriority_RejectsResponseAgents(t *testing.T) {
	err := ValidatePriority(AgentTypeResponse, 100)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.InvalidInput))

	require.NoError(t, ValidatePriority(AgentTypeAnalytics, 100))
}

func TestContextDocument_MaxContentBytesByType(t *testing.T) {
	require.Equal(t, MaxURLContentBytes, ContextDocument{Type: DocumentTypeURL}.MaxContentBytes())
	require.Equal(t, MaxWebsiteContentBytes, ContextDocument{Type: DocumentTypeWebsite}.MaxContentBytes())
	require.Equal(t, MaxFileContentBytes, ContextDocument{Type: DocumentTypeFile}.MaxContentBytes())
}
