package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/nikolajve/faultline/internal/ai/providers"
	"github.com/nikolajve/faultline/internal/fingerprint"
	"github.com/nikolajve/faultline/internal/models"
)

// CombineInput carries the per-field value sequences of a set of structured
// failures sharing one fingerprint, in record order.
type CombineInput struct {
	ShortMessages    []string          `json:"short_error_messages"`
	DetailedMessages []string          `json:"detailed_error_messages"`
	Internal         []bool            `json:"is_internal"`
	Severities       []models.Severity `json:"severity"`
	Carriers         []models.Carrier  `json:"carrier"`
}

// Combined is the canonical merged description for a new repetitive issue.
type Combined struct {
	ShortMessage    string
	DetailedMessage string
	Internal        bool
	Severity        models.Severity
	Carrier         models.Carrier
}

// combineResponse is the backend's merge output before validation.
type combineResponse struct {
	ShortMessage    string `json:"short_error_message"`
	DetailedMessage string `json:"detailed_error_message"`
	IsInternal      *bool  `json:"is_internal"`
	Severity        string `json:"severity"`
	Carrier         string `json:"carrier"`
}

const combineSystemPrompt = `You are a failure summarization engine.
Return exactly one JSON object and nothing else. Do not include any explanation, text, code fences or extra fields.`

func combinePrompt(payload []byte) string {
	return fmt.Sprintf(`The arrays below hold field values from several occurrences of the same recurring failure, one entry per occurrence.
Merge them into one JSON object with exactly these fields:
- "short_error_message": one short message representative of the occurrences, max 3 words
- "detailed_error_message": one merged technical summary
- "is_internal": the majority value
- "severity": the majority value, one of %s
- "carrier": the majority value, one of %s

Occurrences:
%s`,
		strings.Join(models.Severities(), ", "),
		strings.Join(models.Carriers(), ", "),
		payload)
}

// Combine merges the field values of a fingerprint group into one canonical
// tuple. It asks the inference backend first and falls back to a local
// majority vote when the backend is disabled, fails, or returns output
// violating the contract. The merge contract holds either way.
func (c *Classifier) Combine(ctx context.Context, in CombineInput) Combined {
	if combined, ok := c.combineWithBackend(ctx, in); ok {
		return combined
	}
	return combineByMajority(in)
}

func (c *Classifier) combineWithBackend(ctx context.Context, in CombineInput) (Combined, bool) {
	if c.provider == nil {
		return Combined{}, false
	}

	payload, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return Combined{}, false
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.provider.Chat(callCtx, providers.ChatRequest{
		System:     combineSystemPrompt,
		Messages:   []providers.Message{{Role: "user", Content: combinePrompt(payload)}},
		JSONOutput: true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Merge-combine call failed, falling back to majority vote")
		return Combined{}, false
	}

	var parsed combineResponse
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		log.Warn().Err(err).Msg("Merge-combine response rejected, falling back to majority vote")
		return Combined{}, false
	}

	if parsed.IsInternal == nil ||
		!models.ValidSeverity(parsed.Severity) ||
		!models.ValidCarrier(strings.ToUpper(strings.TrimSpace(parsed.Carrier))) ||
		strings.TrimSpace(parsed.ShortMessage) == "" ||
		strings.TrimSpace(parsed.DetailedMessage) == "" {
		log.Warn().Msg("Merge-combine response violates contract, falling back to majority vote")
		return Combined{}, false
	}

	short := strings.TrimSpace(parsed.ShortMessage)
	if len(short) > maxShortMessageLen {
		short = short[:maxShortMessageLen]
	}

	return Combined{
		ShortMessage:    short,
		DetailedMessage: strings.TrimSpace(parsed.DetailedMessage),
		Internal:        *parsed.IsInternal,
		Severity:        models.Severity(parsed.Severity),
		Carrier:         models.Carrier(strings.ToUpper(strings.TrimSpace(parsed.Carrier))),
	}, true
}

// combineByMajority merges the group locally: for every field, the most
// frequent value wins, with the first-seen value taking ties.
func combineByMajority(in CombineInput) Combined {
	out := Combined{
		Severity: models.SeverityMedium,
		Carrier:  models.CarrierNone,
	}
	if v, ok := fingerprint.MajorityVote(in.ShortMessages); ok {
		out.ShortMessage = v
	}
	if v, ok := fingerprint.MajorityVote(in.DetailedMessages); ok {
		out.DetailedMessage = v
	}
	if v, ok := fingerprint.MajorityVote(in.Internal); ok {
		out.Internal = v
	}
	if v, ok := fingerprint.MajorityVote(in.Severities); ok {
		out.Severity = v
	}
	if v, ok := fingerprint.MajorityVote(in.Carriers); ok {
		out.Carrier = v
	}
	return out
}
