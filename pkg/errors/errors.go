// Package errors defines the coded errors reported by the profiler
// services and their mapping to HTTP statuses.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error. It is part of the web API error body.
type Code string

const (
	CodeUnknown          Code = "UNKNOWN_ERROR"
	CodeProfileNotFound  Code = "PROFILE_NOT_FOUND"
	CodeSnapshotNotFound Code = "SNAPSHOT_NOT_FOUND"
	CodeSnapshotAborted  Code = "SNAPSHOT_ABORTED"
	CodeInvalidInput     Code = "INVALID_INPUT"
	CodeParseError       Code = "PARSE_ERROR"
	CodeStorageError     Code = "STORAGE_ERROR"
	CodeDatabaseError    Code = "DATABASE_ERROR"
	CodeSerializeError   Code = "SERIALIZE_ERROR"
)

var statuses = map[Code]int{
	CodeProfileNotFound:  http.StatusNotFound,
	CodeSnapshotNotFound: http.StatusNotFound,
	CodeInvalidInput:     http.StatusBadRequest,
	CodeParseError:       http.StatusBadRequest,
	CodeSnapshotAborted:  http.StatusConflict,
}

// Status is the HTTP status reported for c.
func (c Code) Status() int {
	if s, ok := statuses[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// AppError is an error carrying a Code. Two AppErrors match with
// errors.Is when their codes are equal.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && e.Code == t.Code
}

func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches code and message to err.
func Wrap(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Sentinels for errors.Is.
var (
	ErrProfileNotFound  = New(CodeProfileNotFound, "profile not found")
	ErrSnapshotNotFound = New(CodeSnapshotNotFound, "snapshot not found")
	ErrSnapshotAborted  = New(CodeSnapshotAborted, "snapshot generation aborted")
)

// GetErrorCode returns the code of the outermost AppError in err's chain,
// CodeUnknown if there is none.
func GetErrorCode(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

func hasCode(err error, codes ...Code) bool {
	for _, c := range codes {
		if errors.Is(err, &AppError{Code: c}) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err is a missing profile or snapshot.
func IsNotFound(err error) bool {
	return hasCode(err, CodeProfileNotFound, CodeSnapshotNotFound)
}

func IsDatabaseError(err error) bool { return hasCode(err, CodeDatabaseError) }

func IsStorageError(err error) bool { return hasCode(err, CodeStorageError) }

// HTTPStatus maps err to the status of the web API response.
func HTTPStatus(err error) int {
	return GetErrorCode(err).Status()
}
