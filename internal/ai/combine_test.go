package ai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikolajve/faultline/internal/config"
	"github.com/nikolajve/faultline/internal/models"
)

func sampleCombineInput() CombineInput {
	return CombineInput{
		ShortMessages:    []string{"carrier timeout", "carrier timeout", "gateway error"},
		DetailedMessages: []string{"GLS API timed out", "GLS API timed out", "GLS gateway returned 502"},
		Internal:         []bool{false, false, true},
		Severities:       []models.Severity{models.SeverityHigh, models.SeverityHigh, models.SeverityCritical},
		Carriers:         []models.Carrier{models.CarrierGLS, models.CarrierGLS, models.CarrierGLS},
	}
}

func TestCombineWithBackend(t *testing.T) {
	server := newOllamaStub(t, `{
		"short_error_message": "carrier timeout",
		"detailed_error_message": "Repeated GLS API timeouts during label booking",
		"is_internal": false,
		"severity": "HIGH",
		"carrier": "GLS"
	}`)
	defer server.Close()

	c := NewClassifier(testAIConfig(server.URL))
	got := c.Combine(context.Background(), sampleCombineInput())

	assert.Equal(t, "carrier timeout", got.ShortMessage)
	assert.Equal(t, "Repeated GLS API timeouts during label booking", got.DetailedMessage)
	assert.False(t, got.Internal)
	assert.Equal(t, models.SeverityHigh, got.Severity)
	assert.Equal(t, models.CarrierGLS, got.Carrier)
}

func TestCombineFallsBackOnContractViolation(t *testing.T) {
	// Severity outside the enum: the backend result is discarded and the
	// majority vote decides instead.
	server := newOllamaStub(t, `{
		"short_error_message": "carrier timeout",
		"detailed_error_message": "something",
		"is_internal": false,
		"severity": "URGENT",
		"carrier": "GLS"
	}`)
	defer server.Close()

	c := NewClassifier(testAIConfig(server.URL))
	got := c.Combine(context.Background(), sampleCombineInput())

	assert.Equal(t, "carrier timeout", got.ShortMessage)
	assert.Equal(t, "GLS API timed out", got.DetailedMessage)
	assert.False(t, got.Internal)
	assert.Equal(t, models.SeverityHigh, got.Severity)
	assert.Equal(t, models.CarrierGLS, got.Carrier)
}

func TestCombineDisabledUsesMajority(t *testing.T) {
	c := NewClassifier(config.AIConfig{Enabled: false})
	require.False(t, c.Enabled())

	got := c.Combine(context.Background(), sampleCombineInput())
	assert.Equal(t, "carrier timeout", got.ShortMessage)
	assert.Equal(t, models.SeverityHigh, got.Severity)
	assert.Equal(t, models.CarrierGLS, got.Carrier)
}

func TestCombineByMajorityTieKeepsFirstSeen(t *testing.T) {
	got := combineByMajority(CombineInput{
		ShortMessages: []string{"a", "b"},
		Internal:      []bool{true, false},
		Severities:    []models.Severity{models.SeverityLow, models.SeverityHigh},
		Carriers:      []models.Carrier{models.CarrierDAO, models.CarrierGLS},
	})
	assert.Equal(t, "a", got.ShortMessage)
	assert.True(t, got.Internal)
	assert.Equal(t, models.SeverityLow, got.Severity)
	assert.Equal(t, models.CarrierDAO, got.Carrier)
}

func TestCombineByMajorityEmptyInputDefaults(t *testing.T) {
	got := combineByMajority(CombineInput{})
	assert.Empty(t, got.ShortMessage)
	assert.Empty(t, got.DetailedMessage)
	assert.False(t, got.Internal)
	assert.Equal(t, models.SeverityMedium, got.Severity)
	assert.Equal(t, models.CarrierNone, got.Carrier)
}
