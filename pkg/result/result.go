package result

import "net/http"

// Error is a single failure entry. Message is a stable key the HTTP layer can localize.
type Error struct {
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// Result is the uniform outcome returned by coordinator and account operations.
type Result[T any] struct {
	Success    bool    `json:"success"`
	StatusCode int     `json:"statusCode"`
	Value      T       `json:"value,omitempty"`
	Errors     []Error `json:"errors,omitempty"`
}

// Ok returns a 200 success carrying v.
func Ok[T any](v T) Result[T] {
	return Result[T]{Success: true, StatusCode: http.StatusOK, Value: v}
}

// Created returns a 201 success carrying v.
func Created[T any](v T) Result[T] {
	return Result[T]{Success: true, StatusCode: http.StatusCreated, Value: v}
}

// Fail returns a failure with the given status and message keys.
func Fail[T any](status int, messages ...string) Result[T] {
	r := Result[T]{StatusCode: status}
	for _, m := range messages {
		r.Errors = append(r.Errors, Error{Message: m})
	}
	return r
}

// FailCause is Fail with a cause attached to the single error entry.
func FailCause[T any](status int, message, cause string) Result[T] {
	return Result[T]{StatusCode: status, Errors: []Error{{Message: message, Cause: cause}}}
}

// HasError reports whether the result carries the message key.
func (r Result[T]) HasError(message string) bool {
	for _, e := range r.Errors {
		if e.Message == message {
			return true
		}
	}
	return false
}

// Empty is the value type for results that carry no payload.
type Empty struct{}

// Message keys shared by every component.
const (
	ErrInvalidUsernameOrPassword        = "Errors.InvalidUsernameOrPassword"
	ErrUserEmailNotConfirmed            = "Errors.UserEmailNotConfirmed"
	ErrUserExists                       = "Errors.UserExists"
	ErrUsernameMustBeDifferentThanEmail = "Errors.UsernameMustBeDifferentThanEmail"
	ErrUnauthorized                     = "Errors.Unauthorized"
	ErrUserNotFound                     = "Errors.UserNotFound"
	ErrProfileNotFound                  = "Errors.ProfileNotFound"
	ErrIncorrectCurrentPassword         = "Errors.IncorrectCurrentPassword"
	ErrInvalidResetPasswordToken        = "Errors.InvalidResetPasswordToken"
	ErrInvalidEmailConfirmToken         = "Errors.InvalidEmailConfirmToken"
	ErrRoleDoesNotExist                 = "Errors.RoleDoesNotExist"
	ErrUserNotActive                    = "Errors.UserNotActive"
	ErrUserLocked                       = "Errors.UserLocked"
	ErrCannotResetPassword              = "Errors.CannotResetPassword"
	ErrUserNotDeleted                   = "Errors.UserNotDeleted"
	ErrConcurrencyFailure               = "Errors.ConcurrencyFailure"
	ErrInvalidPassword                  = "Errors.InvalidPassword"
	ErrInvalidCode                      = "Errors.InvalidCode"
	ErrCannotGenerate2faCode            = "Errors.CannotGenerate2faCode"
	ErrInvalidGrant                     = "Errors.InvalidGrant"
	ErrInvalidState                     = "Errors.InvalidState"
	ErrValidation                       = "Errors.Validation"
	ErrErrorOccured                     = "Errors.ErrorOccured"
)
