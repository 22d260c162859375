package models

import (
	"fmt"
	"time"
)

// Denial reason codes returned to callers.
const (
	CodeBudgetExceeded   = "budget_exceeded"
	CodeSessionFrozen    = "session_frozen"
	CodeUnknownModel     = "unknown_model"
	CodeStoreUnavailable = "store_unavailable"
)

// Denial is an admission refusal. Each implementation carries its own
// payload; switch on the concrete type or on Code.
type Denial interface {
	error
	Code() string
	denial()
}

// BudgetExceededError reports that the estimate does not fit the remaining budget.
type BudgetExceededError struct {
	SessionID string
	Budget    float64
	Remaining float64
	Required  float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for session %s: remaining $%.4f, required $%.4f",
		e.SessionID, e.Remaining, e.Required)
}

func (e *BudgetExceededError) Code() string { return CodeBudgetExceeded }
func (e *BudgetExceededError) denial()      {}

// SessionFrozenError reports a policy block on the session.
type SessionFrozenError struct {
	SessionID string
	Reason    string
	ExpiresAt time.Time
}

func (e *SessionFrozenError) Error() string {
	if e.ExpiresAt.IsZero() {
		return fmt.Sprintf("session %s frozen: %s", e.SessionID, e.Reason)
	}
	return fmt.Sprintf("session %s frozen until %s: %s",
		e.SessionID, e.ExpiresAt.UTC().Format(time.RFC3339), e.Reason)
}

func (e *SessionFrozenError) Code() string { return CodeSessionFrozen }
func (e *SessionFrozenError) denial()      {}

// UnknownModelError reports a model missing from the pricing table.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("model %q not found in pricing table", e.Model)
}

func (e *UnknownModelError) Code() string { return CodeUnknownModel }
func (e *UnknownModelError) denial()      {}

// StoreUnavailableError reports that the shared store could not be reached.
// Admission fails closed on it.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }
func (e *StoreUnavailableError) Code() string  { return CodeStoreUnavailable }
func (e *StoreUnavailableError) denial()       {}

// InvalidAmountError reports a negative or otherwise unusable money amount.
type InvalidAmountError struct {
	Amount float64
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %v: must be a finite non-negative value", e.Amount)
}
