package sanitize

import (
	"encoding/json"
	"testing"

	"github.com/nikolajve/faultline/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestFailureReducesFieldSet(t *testing.T) {
	userID := int64(42)
	raw := models.RawFailure{
		Message:    "connection refused",
		Kind:       "CarrierException",
		Code:       "503",
		File:       "/app/Services/CarrierService.php",
		Line:       142,
		URL:        "https://shop.example/checkout",
		Hostname:   "web-1",
		StackTrace: "#0 /app/Services/CarrierService.php(142)",
		UserID:     &userID,
		UserEmail:  "customer@example.com",
		SessionID:  "abc123",
	}

	got := Failure(raw)

	assert.Equal(t, "connection refused", got.Message)
	assert.Equal(t, "CarrierException", got.Kind)
	assert.Equal(t, "503", got.Code)
	assert.Equal(t, "/app/Services/CarrierService.php", got.File)
	assert.Equal(t, 142, got.Line)
}

// Context fields must not survive the reduction itself, even via encoding;
// what the classification request adds back is its own concern.
func TestFailureDropsSensitiveFields(t *testing.T) {
	raw := models.RawFailure{
		Message:    "boom",
		Kind:       "RuntimeError",
		URL:        "https://shop.example/account",
		UserEmail:  "secret@example.com",
		SessionID:  "session-token",
		StackTrace: "trace with internals",
	}

	body, err := json.Marshal(Failure(raw))
	assert.NoError(t, err)
	assert.NotContains(t, string(body), "secret@example.com")
	assert.NotContains(t, string(body), "session-token")
	assert.NotContains(t, string(body), "trace with internals")
	assert.NotContains(t, string(body), "shop.example")
}

func TestFailureAbsentFieldsStayAbsent(t *testing.T) {
	body, err := json.Marshal(Failure(models.RawFailure{Message: "boom"}))
	assert.NoError(t, err)
	assert.JSONEq(t, `{"message":"boom"}`, string(body))
}
