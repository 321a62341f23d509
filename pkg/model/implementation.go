package model

import (
	"fmt"
	"time"
)

// Mode selects how variables appear in generated code.
type Mode string

const (
	// ModeLiteral embeds resolved values.
	ModeLiteral Mode = "literal"
	// ModeReference reads values from the environment at runtime.
	ModeReference Mode = "reference"
)

// ParseMode parses a mode name, defaulting to reference.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", string(ModeReference):
		return ModeReference, nil
	case string(ModeLiteral):
		return ModeLiteral, nil
	default:
		return "", fmt.Errorf("unknown mode %q (use literal or reference)", s)
	}
}

// ValidationStatus is the verdict on generated source.
type ValidationStatus string

const (
	Valid      ValidationStatus = "valid"
	Invalid    ValidationStatus = "invalid"
	Unverified ValidationStatus = "unverified"
)

// HarnessStatus is the result of replaying generated code.
type HarnessStatus string

const (
	Untested    HarnessStatus = "untested"
	HarnessPass HarnessStatus = "pass"
	HarnessFail HarnessStatus = "fail"
)

// ImplementationKey identifies an implementation.
type ImplementationKey struct {
	RequestID string `json:"request_id"`
	Language  string `json:"language"`
	Component string `json:"component"`
}

// String renders the key as request/language/component.
func (k ImplementationKey) String() string {
	return k.RequestID + "/" + k.Language + "/" + k.Component
}

// Implementation is generated source for one (request, language, component).
type Implementation struct {
	Key              ImplementationKey `json:"key"`
	Source           string            `json:"source"`
	Mode             Mode              `json:"mode"`
	Digest           string            `json:"digest"`
	Validation       ValidationStatus  `json:"validation"`
	ValidationReason string            `json:"validation_reason,omitempty"`
	TestStatus       HarnessStatus     `json:"test_status"`
	Version          int64             `json:"version"`
	Supersedes       int64             `json:"supersedes,omitempty"` // version this write replaced
	RequestRevision  int               `json:"request_revision"`
	TemplateVersion  string            `json:"template_version"`
	GeneratedAt      time.Time         `json:"generated_at"`
}
