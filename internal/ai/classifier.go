// Package ai obtains structured judgments about failures from an external
// inference backend. The backend is held to a closed output contract; anything
// that does not parse and validate is treated as "no result" rather than
// propagated. Classification being disabled or unconfigured is a normal
// outcome, not an error.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/nikolajve/faultline/internal/ai/providers"
	"github.com/nikolajve/faultline/internal/config"
	"github.com/nikolajve/faultline/internal/errors"
	"github.com/nikolajve/faultline/internal/fingerprint"
	"github.com/nikolajve/faultline/internal/models"
	"github.com/nikolajve/faultline/internal/sanitize"
)

// maxShortMessageLen bounds the classifier's short description.
const maxShortMessageLen = 80

// OutcomeKind distinguishes why a classification did or did not produce a
// result, so callers branch on intent instead of on a nil value.
type OutcomeKind string

const (
	// OutcomeSuccess means the backend returned a valid classification.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeDisabled means classification is switched off or has no
	// credential configured. Expected, not an error.
	OutcomeDisabled OutcomeKind = "disabled"
	// OutcomeNoResult means the backend failed, timed out or returned output
	// violating the contract. The record stays unclassified and is simply
	// skipped this pass.
	OutcomeNoResult OutcomeKind = "no_result"
)

// Outcome is the tri-state result of one classification call.
type Outcome struct {
	Kind           OutcomeKind
	Classification *Classification // set only when Kind == OutcomeSuccess
	Err            error           // underlying cause when Kind == OutcomeNoResult
}

// Classification is the validated judgment for one raw failure.
type Classification struct {
	RawID        int64
	UserID       *int64
	Carrier      *models.Carrier // nil when the backend identified no carrier
	Internal     bool
	Severity     models.Severity
	ShortMessage string
	LongMessage  string
	File         string // bare file name, no path or extension
	Line         string
	Code         string
	Fingerprint  string // empty when Carrier is nil
}

// Classifier talks to the inference backend.
type Classifier struct {
	cfg      config.AIConfig
	provider providers.Provider
}

// NewClassifier builds a classifier for the configured backend. When
// classification is disabled or unconfigured the returned classifier is still
// valid; every call reports OutcomeDisabled.
func NewClassifier(cfg config.AIConfig) *Classifier {
	c := &Classifier{cfg: cfg}
	if cfg.Enabled && cfg.CredentialConfigured() {
		provider, err := providers.NewFromConfig(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("Classification backend unavailable, running without AI")
		} else {
			c.provider = provider
		}
	}
	return c
}

// Enabled reports whether classification calls will be attempted.
func (c *Classifier) Enabled() bool {
	return c.provider != nil
}

// classificationPayload is the per-record request body: the sanitized error
// fields, the identifiers the backend must echo back, and the request context
// of the failure. The stack trace and the user's email are never sent.
type classificationPayload struct {
	ID     int64  `json:"id"`
	UserID *int64 `json:"user_id"`
	sanitize.Sanitized
	URL       string `json:"url,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Level     string `json:"level,omitempty"`
}

// classificationResponse is the raw backend output before validation.
type classificationResponse struct {
	AffectedCarrier *string `json:"affected_carrier"`
	IsInternal      *bool   `json:"is_internal"`
	Severity        string  `json:"severity"`
	ShortMessage    string  `json:"concrete_error_message"`
	LongMessage     string  `json:"full_readable_error_message"`
	FailureID       int64   `json:"failure_id"`
	UserID          *int64  `json:"user_id"`
	LineNumber      string  `json:"line_number"`
	Code            string  `json:"code"`
	Kind            string  `json:"kind"`
	FileName        string  `json:"file_name"`
}

const classifySystemPrompt = `You are a failure classification engine.
Return exactly one JSON object matching the requested fields and nothing else. Do not include any explanation, text, code fences or extra fields.`

func (c *Classifier) classifyPrompt(payload []byte) string {
	return fmt.Sprintf(`Classify the failure below. Respond with one JSON object with exactly these fields:
- "affected_carrier": which carrier the failure is on, one of %s, or null if none of these match
- "is_internal": boolean, true if the failure is caused by our own code (syntax error etc.), false if caused by a package, third party service or API. Use standard HTTP codes to determine this: if less than 500 the failure is internal
- "severity": one of %s
- "concrete_error_message": a very short summary of the failure, max 3 words
- "full_readable_error_message": long technical summary including message, kind, code, file, line and anything else relevant
- "failure_id": the id of the failure, sent as "id"
- "user_id": the id of the user, sent as "user_id", may be null
- "line_number": the line number as a string
- "code": the code you have received
- "kind": ONLY the type name after the last path separator
- "file_name": ONLY the file name, without path or extension

Failure:
%s`,
		strings.Join(models.Carriers(), ", "),
		strings.Join(models.Severities(), ", "),
		payload)
}

// Classify obtains a structured judgment for one raw failure. The call is
// bounded by the configured timeout; transport failures and contract
// violations yield OutcomeNoResult and never an error return, so a bad record
// cannot abort its siblings in a batch.
func (c *Classifier) Classify(ctx context.Context, raw models.RawFailure) Outcome {
	if c.provider == nil {
		return Outcome{Kind: OutcomeDisabled}
	}

	payload, err := json.MarshalIndent(classificationPayload{
		ID:        raw.ID,
		UserID:    raw.UserID,
		Sanitized: sanitize.Failure(raw),
		URL:       raw.URL,
		Hostname:  raw.Hostname,
		SessionID: raw.SessionID,
		Level:     raw.Level,
	}, "", "  ")
	if err != nil {
		return Outcome{Kind: OutcomeNoResult, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.provider.Chat(callCtx, providers.ChatRequest{
		System:     classifySystemPrompt,
		Messages:   []providers.Message{{Role: "user", Content: c.classifyPrompt(payload)}},
		JSONOutput: true,
	})
	if err != nil {
		errType := errors.ErrorTypeConnection
		if callCtx.Err() == context.DeadlineExceeded {
			errType = errors.ErrorTypeTimeout
		}
		perr := errors.New(errType, "classify", err)
		log.Warn().Err(perr).Int64("rawId", raw.ID).Msg("Classification call failed")
		return Outcome{Kind: OutcomeNoResult, Err: perr}
	}

	log.Debug().Int64("rawId", raw.ID).Str("response", resp.Content).Msg("Classification response")

	classification, err := c.parseClassification(raw, resp.Content)
	if err != nil {
		perr := errors.New(errors.ErrorTypeValidation, "classify", err)
		log.Warn().Err(perr).Int64("rawId", raw.ID).Msg("Classification response rejected")
		return Outcome{Kind: OutcomeNoResult, Err: perr}
	}

	return Outcome{Kind: OutcomeSuccess, Classification: classification}
}

// parseClassification validates the backend output against the contract and
// converts it into a Classification. The fingerprint is computed here, only
// when a carrier tag is present.
func (c *Classifier) parseClassification(raw models.RawFailure, content string) (*Classification, error) {
	var resp classificationResponse
	if err := json.Unmarshal([]byte(extractJSON(content)), &resp); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}

	if !models.ValidSeverity(resp.Severity) {
		return nil, fmt.Errorf("invalid severity %q", resp.Severity)
	}
	if resp.IsInternal == nil {
		return nil, fmt.Errorf("missing is_internal")
	}
	if strings.TrimSpace(resp.LongMessage) == "" {
		return nil, fmt.Errorf("missing full_readable_error_message")
	}

	var carrier *models.Carrier
	if resp.AffectedCarrier != nil {
		tag := strings.ToUpper(strings.TrimSpace(*resp.AffectedCarrier))
		if tag != "" && tag != "NULL" {
			if !models.ValidCarrier(tag) {
				return nil, fmt.Errorf("invalid carrier %q", tag)
			}
			value := models.Carrier(tag)
			carrier = &value
		}
	}

	short := strings.TrimSpace(resp.ShortMessage)
	if short == "" {
		return nil, fmt.Errorf("missing concrete_error_message")
	}
	if len(short) > maxShortMessageLen {
		short = short[:maxShortMessageLen]
	}

	file := bareFileName(resp.FileName)
	if file == "" {
		file = bareFileName(raw.File)
	}
	line := strings.TrimSpace(resp.LineNumber)
	if line == "" {
		line = fmt.Sprintf("%d", raw.Line)
	}

	classification := &Classification{
		RawID:        raw.ID,
		UserID:       raw.UserID,
		Carrier:      carrier,
		Internal:     *resp.IsInternal,
		Severity:     models.Severity(resp.Severity),
		ShortMessage: short,
		LongMessage:  strings.TrimSpace(resp.LongMessage),
		File:         file,
		Line:         line,
		Code:         strings.TrimSpace(resp.Code),
	}
	if classification.Code == "" {
		classification.Code = raw.Code
	}

	if carrier != nil {
		classification.Fingerprint = fingerprint.Build(*carrier, classification.File, classification.Line)
	}

	return classification, nil
}

// bareFileName reduces a path to its file name without extension.
func bareFileName(path string) string {
	name := filepath.Base(strings.ReplaceAll(strings.TrimSpace(path), "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// extractJSON strips markdown code fences some models wrap around output.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
		content = strings.TrimSpace(content)
	}
	// Fall back to the outermost object if the model added prose around it
	if !strings.HasPrefix(content, "{") {
		start := strings.Index(content, "{")
		end := strings.LastIndex(content, "}")
		if start >= 0 && end > start {
			content = content[start : end+1]
		}
	}
	return content
}
