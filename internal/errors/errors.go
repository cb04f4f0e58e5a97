package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrorType says which part of a stage run failed
type ErrorType int

const (
	// ErrorTypeProcess: git or the classroom command still failed after its retries
	ErrorTypeProcess ErrorType = iota
	// ErrorTypeFileSystem: a missing tree, a folder that is not a clone, an unreadable file
	ErrorTypeFileSystem
	// ErrorTypeParse: output that could not be understood
	ErrorTypeParse
	// ErrorTypeDatabase: the store rejected a read or write
	ErrorTypeDatabase
	// ErrorTypeConfig: settings are missing or invalid
	ErrorTypeConfig
	// ErrorTypeInternal: anything else
	ErrorTypeInternal
)

var typeNames = map[ErrorType]string{
	ErrorTypeProcess:    "process",
	ErrorTypeFileSystem: "filesystem",
	ErrorTypeParse:      "parse",
	ErrorTypeDatabase:   "database",
	ErrorTypeConfig:     "config",
	ErrorTypeInternal:   "internal",
}

func (t ErrorType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Severity decides how far a failure travels: a skipped repository, a
// failed stage, or a process that refuses to start.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Error is a failure tagged with its type and the log fields that locate it
// (assignment, repository dir, command stderr).
type Error struct {
	Type     ErrorType
	Severity Severity
	Message  string
	Cause    error
	Fields   logrus.Fields
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same type, so errors.Is(err, &Error{Type: ErrorTypeDatabase}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Type == e.Type
}

// With attaches a log field
func (e *Error) With(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = logrus.Fields{}
	}
	e.Fields[key] = value
	return e
}

// New creates an error without a cause
func New(errType ErrorType, severity Severity, message string) *Error {
	return &Error{Type: errType, Severity: severity, Message: message}
}

// Wrap tags err; a nil err stays nil
func Wrap(err error, errType ErrorType, severity Severity, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Type: errType, Severity: severity, Message: message, Cause: err}
}

func ProcessError(err error, message string) *Error {
	return Wrap(err, ErrorTypeProcess, SeverityLow, message)
}

func ProcessErrorf(err error, format string, args ...interface{}) *Error {
	return ProcessError(err, fmt.Sprintf(format, args...))
}

func FileSystemError(err error, message string) *Error {
	return Wrap(err, ErrorTypeFileSystem, SeverityLow, message)
}

func FileSystemErrorf(err error, format string, args ...interface{}) *Error {
	return FileSystemError(err, fmt.Sprintf(format, args...))
}

func ParseErrorf(format string, args ...interface{}) *Error {
	return New(ErrorTypeParse, SeverityLow, fmt.Sprintf(format, args...))
}

// DatabaseError fails the running stage
func DatabaseError(err error, message string) *Error {
	return Wrap(err, ErrorTypeDatabase, SeverityHigh, message)
}

func DatabaseErrorf(err error, format string, args ...interface{}) *Error {
	return DatabaseError(err, fmt.Sprintf(format, args...))
}

// ConfigError stops the command before any stage runs
func ConfigError(message string) *Error {
	return New(ErrorTypeConfig, SeverityCritical, message)
}

func ConfigErrorf(format string, args ...interface{}) *Error {
	return ConfigError(fmt.Sprintf(format, args...))
}

func InternalErrorf(format string, args ...interface{}) *Error {
	return New(ErrorTypeInternal, SeverityCritical, fmt.Sprintf(format, args...))
}

func as(err error) (*Error, bool) {
	var e *Error
	ok := stderrors.As(err, &e)
	return e, ok
}

// IsFatal reports a critical error anywhere in the chain
func IsFatal(err error) bool {
	e, ok := as(err)
	return ok && e.Severity == SeverityCritical
}

// IsSkippable reports whether err only costs the current repository or file.
// Process, filesystem and parse failures are skippable; everything else
// fails the stage.
func IsSkippable(err error) bool {
	e, ok := as(err)
	if !ok {
		return false
	}
	switch e.Type {
	case ErrorTypeProcess, ErrorTypeFileSystem, ErrorTypeParse:
		return true
	}
	return false
}

// GetType returns the type of the first tagged error in the chain, or internal
func GetType(err error) ErrorType {
	if e, ok := as(err); ok {
		return e.Type
	}
	return ErrorTypeInternal
}

// FieldsOf returns the log fields of a tagged error plus its type, for
// logger.WithFields(errors.FieldsOf(err)).WithError(err)
func FieldsOf(err error) logrus.Fields {
	fields := logrus.Fields{}
	e, ok := as(err)
	if !ok {
		return fields
	}
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields["error_type"] = e.Type.String()
	return fields
}
