package models

import (
	"time"

	"github.com/google/uuid"
)

// Violation is the append-only audit record of a denied request.
// Violations are never mutated after creation.
type Violation struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	RuleID     *uuid.UUID `json:"rule_id,omitempty" db:"rule_id"` // nil for authentication-stage denials
	UserID     *string    `json:"user_id,omitempty" db:"user_id"` // nil for anonymous
	Endpoint   string     `json:"endpoint" db:"endpoint"`
	Method     string     `json:"method" db:"method"`
	IPAddress  string     `json:"ip_address" db:"ip_address"`
	UserAgent  string     `json:"user_agent" db:"user_agent"`
	Reason     string     `json:"reason" db:"reason"`
	Severity   Severity   `json:"severity" db:"severity"`
	Blocked    bool       `json:"blocked" db:"blocked"`
	OccurredAt time.Time  `json:"occurred_at" db:"occurred_at"`
}

// TableName returns the table name for the Violation model
func (Violation) TableName() string {
	return "violations"
}

// NewViolation creates a violation record for a denied request.
// The ID is generated here so the sink can return it without waiting for
// the insert to complete.
func NewViolation(endpoint, method, ipAddress string) *Violation {
	return &Violation{
		ID:         uuid.New(),
		Endpoint:   endpoint,
		Method:     method,
		IPAddress:  ipAddress,
		Severity:   SeverityMedium,
		Blocked:    true,
		OccurredAt: time.Now(),
	}
}

// WithRule attributes the violation to a rule.
func (v *Violation) WithRule(ruleID uuid.UUID, severity Severity) *Violation {
	v.RuleID = &ruleID
	v.Severity = severity
	return v
}

// WithUser attributes the violation to a user.
func (v *Violation) WithUser(userID string) *Violation {
	v.UserID = &userID
	return v
}

// WithReason sets the denial reason text.
func (v *Violation) WithReason(reason string) *Violation {
	v.Reason = reason
	return v
}

// WithUserAgent sets the user agent string.
func (v *Violation) WithUserAgent(ua string) *Violation {
	v.UserAgent = ua
	return v
}
