// Package models defines the records flowing through the failure pipeline:
// raw failures as reported by the host application, structured (classified)
// failures, and the repetitive issues they collapse into.
package models

import "time"

// Severity is the classifier-assigned severity tier of a failure.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Severities lists all valid severity tiers, used to constrain classifier output.
func Severities() []string {
	return []string{
		string(SeverityLow),
		string(SeverityMedium),
		string(SeverityHigh),
		string(SeverityCritical),
	}
}

// ValidSeverity reports whether s is one of the known severity tiers.
func ValidSeverity(s string) bool {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Carrier identifies the external delivery partner implicated by a failure.
// CarrierNone is the explicit "no carrier identified" tag and participates in
// fingerprints like any other value.
type Carrier string

const (
	CarrierGLS      Carrier = "GLS"
	CarrierDFM      Carrier = "DFM"
	CarrierPacketa  Carrier = "PACKETA"
	CarrierBring    Carrier = "BRING"
	CarrierPostnord Carrier = "POSTNORD"
	CarrierDAO      Carrier = "DAO"
	CarrierNone     Carrier = "NONE"
)

// Carriers lists all valid carrier tags, used to constrain classifier output.
func Carriers() []string {
	return []string{
		string(CarrierGLS),
		string(CarrierDFM),
		string(CarrierPacketa),
		string(CarrierBring),
		string(CarrierPostnord),
		string(CarrierDAO),
		string(CarrierNone),
	}
}

// ValidCarrier reports whether c is one of the known carrier tags.
func ValidCarrier(c string) bool {
	switch Carrier(c) {
	case CarrierGLS, CarrierDFM, CarrierPacketa, CarrierBring, CarrierPostnord, CarrierDAO, CarrierNone:
		return true
	}
	return false
}

// RawFailure is the immutable, append-only record of one failure as captured
// in the host application. It is written once at ingestion and never mutated.
type RawFailure struct {
	ID         int64     `json:"id"`
	Message    string    `json:"message"`
	Kind       string    `json:"kind"` // error type name
	Code       string    `json:"code"`
	File       string    `json:"file"`
	Line       int       `json:"line"`
	URL        string    `json:"url,omitempty"`
	Hostname   string    `json:"hostname"`
	StackTrace string    `json:"stackTrace"`
	UserID     *int64    `json:"userId,omitempty"`
	UserEmail  string    `json:"userEmail,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	Level      string    `json:"level"`
	CreatedAt  time.Time `json:"createdAt"`
}

// StructuredFailure is the classified form of one RawFailure. A structured
// record exists only when classification succeeded; Fingerprint is empty only
// when the classifier returned no carrier, and such records are permanently
// excluded from aggregation. IssueID is set at most once and never cleared.
type StructuredFailure struct {
	ID           int64     `json:"id"`
	RawID        int64     `json:"rawId"`
	UserID       *int64    `json:"userId,omitempty"`
	Carrier      *Carrier  `json:"carrier,omitempty"`
	Internal     bool      `json:"internal"`
	Severity     Severity  `json:"severity"`
	ShortMessage string    `json:"shortMessage"` // a few words at most
	LongMessage  string    `json:"longMessage"`  // technical summary
	File         string    `json:"file"`         // bare file name, no path or extension
	Line         string    `json:"line"`
	Code         string    `json:"code"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	IssueID      *int64    `json:"issueId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RepetitiveIssue is the aggregate entity for a recurring defect. At most one
// unsolved issue exists per fingerprint; solved issues are terminal and a later
// recurrence of the same fingerprint produces a new row.
type RepetitiveIssue struct {
	ID              int64     `json:"id"`
	Fingerprint     string    `json:"fingerprint"`
	Solved          bool      `json:"solved"`
	ShortMessage    string    `json:"shortMessage"`
	DetailedMessage string    `json:"detailedMessage"`
	OccurrenceCount int64     `json:"occurrenceCount"`
	Internal        bool      `json:"internal"`
	Severity        Severity  `json:"severity"`
	Carrier         Carrier   `json:"carrier"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}
