package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Category groups codes by who is at fault and what a retry could achieve.
type Category string

const (
	CategoryValidation      Category = "validation"
	CategoryProcessing      Category = "processing"
	CategoryExternalService Category = "external_service"
	CategoryResourceLimit   Category = "resource_limit"
	CategoryConfiguration   Category = "configuration"
	CategoryTimeout         Category = "timeout"
	CategoryUnknown         Category = "unknown"
)

// Code identifies a failure precisely enough to decide retry and messaging.
type Code string

const (
	CodeUnsupportedMimeType     Code = "UNSUPPORTED_MIME_TYPE"
	CodeUnsupportedLegacyFormat Code = "UNSUPPORTED_LEGACY_FORMAT"
	CodeFileTooLarge            Code = "FILE_TOO_LARGE"
	CodeMalformedInput          Code = "MALFORMED_INPUT"
	CodeInvalidPayload          Code = "INVALID_PAYLOAD"
	CodeExtractionFailed        Code = "EXTRACTION_FAILED"
	CodeTranscriptionEmpty      Code = "TRANSCRIPTION_EMPTY"
	CodeOCRFailed               Code = "OCR_FAILED"
	CodeEmbeddingFailed         Code = "EMBEDDING_FAILED"
	CodeUpsertFailed            Code = "UPSERT_FAILED"
	CodeDownloadFailed          Code = "DOWNLOAD_FAILED"
	CodeRateLimited             Code = "RATE_LIMITED"
	CodeServiceUnavailable      Code = "SERVICE_UNAVAILABLE"
	CodeBatchTooLarge           Code = "BATCH_TOO_LARGE"
	CodeConcurrencyLimit        Code = "CONCURRENCY_LIMIT"
	CodeTimeout                 Code = "TIMEOUT"
	CodeMissingConfig           Code = "MISSING_CONFIG"
	CodeStateInvariant          Code = "STATE_INVARIANT"
	CodeUnknown                 Code = "UNKNOWN"
)

type codeInfo struct {
	category    Category
	retryable   bool
	userMessage string
}

var codeTable = map[Code]codeInfo{
	CodeUnsupportedMimeType:     {CategoryValidation, false, "This file type is not supported."},
	CodeUnsupportedLegacyFormat: {CategoryValidation, false, "Legacy .doc files are not supported. Save the document as .docx or PDF and upload it again."},
	CodeFileTooLarge:            {CategoryValidation, false, "The file is too large to process."},
	CodeMalformedInput:          {CategoryValidation, false, "The file appears to be damaged or unreadable."},
	CodeInvalidPayload:          {CategoryValidation, false, "The ingestion request is invalid."},
	CodeExtractionFailed:        {CategoryProcessing, false, "We could not extract text from this file."},
	CodeTranscriptionEmpty:      {CategoryProcessing, false, "No speech could be transcribed from this recording."},
	CodeOCRFailed:               {CategoryProcessing, false, "Text recognition failed for this document."},
	CodeEmbeddingFailed:         {CategoryExternalService, false, "Indexing the document failed."},
	CodeUpsertFailed:            {CategoryExternalService, false, "Saving the document index failed."},
	CodeDownloadFailed:          {CategoryExternalService, true, "The file could not be downloaded."},
	CodeRateLimited:             {CategoryExternalService, true, "The service is busy. The document will be retried."},
	CodeServiceUnavailable:      {CategoryExternalService, true, "A dependent service is unavailable. The document will be retried."},
	CodeBatchTooLarge:           {CategoryResourceLimit, false, "The request was too large for the provider."},
	CodeConcurrencyLimit:        {CategoryResourceLimit, true, "Too many documents are being processed. The document will be retried."},
	CodeTimeout:                 {CategoryTimeout, true, "Processing took too long. The document will be retried."},
	CodeMissingConfig:           {CategoryConfiguration, false, "The ingestion service is misconfigured."},
	CodeStateInvariant:          {CategoryProcessing, false, "Internal processing error."},
	CodeUnknown:                 {CategoryUnknown, false, "An unexpected error occurred."},
}

// Error is a classified failure. Message is the internal diagnostic; the
// user-facing text comes from the code unless overridden.
type Error struct {
	Code    Code
	Message string
	User    string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Category returns the category the code belongs to.
func (e *Error) Category() Category { return info(e.Code).category }

// Retryable reports whether retrying the same call can succeed.
func (e *Error) Retryable() bool { return info(e.Code).retryable }

// UserMessage returns a message safe to show to the person who uploaded the file.
func (e *Error) UserMessage() string {
	if e.User != "" {
		return e.User
	}
	return info(e.Code).userMessage
}

func info(c Code) codeInfo {
	if ci, ok := codeTable[c]; ok {
		return ci
	}
	return codeTable[CodeUnknown]
}

// CategoryOf returns the category of a code.
func CategoryOf(c Code) Category { return info(c).category }

// New returns a classified error without a cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to err. A nil err yields nil.
func Wrap(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithUserMessage overrides the user-facing message of e.
func (e *Error) WithUserMessage(msg string) *Error {
	e.User = msg
	return e
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Classify maps arbitrary errors onto the taxonomy. Already classified errors
// are returned unchanged; fallback is used for anything unrecognised.
func Classify(err error, fallback Code) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	code := classifyCode(err)
	if code == CodeUnknown && fallback != "" {
		code = fallback
	}
	return &Error{Code: code, Err: err}
}

func classifyCode(err error) Code {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}

	msg := strings.ToLower(err.Error())
	// Providers reject oversized batches with a plain 400 / InvalidArgument.
	if isBatchTooLarge(msg) {
		return CodeBatchTooLarge
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if c := codeForStatus(gerr.Code); c != "" {
			return c
		}
	}

	if c := codeForGRPC(err); c != "" {
		return c
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return CodeTimeout
		}
		return CodeServiceUnavailable
	}

	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "resource exhausted"), strings.Contains(msg, "quota"):
		return CodeRateLimited
	case strings.Contains(msg, "unavailable"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "bad gateway"):
		return CodeServiceUnavailable
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timeout"):
		return CodeTimeout
	}
	return CodeUnknown
}

func isBatchTooLarge(msg string) bool {
	for _, p := range []string{"request entity too large", "payload too large", "payload size exceeds",
		"too many inputs", "batch size"} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func codeForGRPC(err error) Code {
	var se interface{ GRPCStatus() *status.Status }
	if !errors.As(err, &se) {
		return ""
	}
	switch se.GRPCStatus().Code() {
	case codes.ResourceExhausted:
		return CodeRateLimited
	case codes.Unavailable, codes.Internal, codes.Aborted:
		return CodeServiceUnavailable
	case codes.DeadlineExceeded:
		return CodeTimeout
	case codes.InvalidArgument, codes.FailedPrecondition:
		return CodeMalformedInput
	}
	return ""
}

// FromStatus classifies an HTTP status returned by a collaborator.
func FromStatus(status int, op string) *Error {
	code := codeForStatus(status)
	if code == "" {
		code = CodeUnknown
	}
	return New(code, "%s: unexpected status %d", op, status)
}

func codeForStatus(status int) Code {
	switch {
	case status == 429:
		return CodeRateLimited
	case status == 413:
		return CodeBatchTooLarge
	case status == 408 || status == 504:
		return CodeTimeout
	case status == 500 || status == 502 || status == 503:
		return CodeServiceUnavailable
	case status == 400 || status == 422:
		return CodeMalformedInput
	}
	return ""
}

// CodeOf returns the code of err, or CodeUnknown.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeUnknown
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err, CodeUnknown).Retryable()
}

// IsPermanent reports whether err can never succeed on another attempt, no
// matter how much of the job is resumed.
func IsPermanent(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	switch e.Category() {
	case CategoryValidation, CategoryConfiguration:
		return true
	}
	return false
}

// UserMessage returns the user-facing message for any error.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	return Classify(err, CodeUnknown).UserMessage()
}
