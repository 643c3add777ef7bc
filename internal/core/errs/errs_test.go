package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCodesHaveCategories(t *testing.T) {
	for code, ci := range codeTable {
		assert.NotEmpty(t, ci.category, code)
		assert.NotEmpty(t, ci.userMessage, code)
	}
	assert.Equal(t, CategoryValidation, CategoryOf(CodeUnsupportedMimeType))
	assert.Equal(t, CategoryTimeout, CategoryOf(CodeTimeout))
	assert.Equal(t, CategoryUnknown, CategoryOf(Code("NOPE")))
}

func TestRetryability(t *testing.T) {
	retryable := []Code{CodeRateLimited, CodeServiceUnavailable, CodeTimeout, CodeConcurrencyLimit}
	for _, c := range retryable {
		assert.True(t, New(c, "x").Retryable(), c)
	}
	permanent := []Code{CodeUnsupportedMimeType, CodeUnsupportedLegacyFormat, CodeFileTooLarge, CodeMalformedInput, CodeBatchTooLarge}
	for _, c := range permanent {
		assert.False(t, New(c, "x").Retryable(), c)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CodeTimeout},
		{"googleapi 429", &googleapi.Error{Code: 429}, CodeRateLimited},
		{"googleapi 503", &googleapi.Error{Code: 503}, CodeServiceUnavailable},
		{"googleapi 413", &googleapi.Error{Code: 413}, CodeBatchTooLarge},
		{"googleapi 400", &googleapi.Error{Code: 400}, CodeMalformedInput},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "quota"), CodeRateLimited},
		{"grpc unavailable wrapped", fmt.Errorf("generate: %w", status.Error(codes.Unavailable, "down")), CodeServiceUnavailable},
		{"grpc invalid", status.Error(codes.InvalidArgument, "bad"), CodeMalformedInput},
		{"grpc invalid oversized batch", status.Error(codes.InvalidArgument, "request payload size exceeds the limit: too many inputs in batch"), CodeBatchTooLarge},
		{"googleapi 400 batch size", &googleapi.Error{Code: 400, Message: "batch size exceeds 100"}, CodeBatchTooLarge},
		{"message rate limit", errors.New("provider: rate limit reached"), CodeRateLimited},
		{"message unavailable", errors.New("upstream unavailable"), CodeServiceUnavailable},
		{"unknown", errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err, "").Code)
		})
	}
}

func TestClassifyKeepsExistingCode(t *testing.T) {
	orig := New(CodeOCRFailed, "page 3")
	wrapped := fmt.Errorf("extract: %w", orig)

	got := Classify(wrapped, CodeUnknown)
	require.NotNil(t, got)
	assert.Same(t, orig, got)
	assert.Equal(t, CodeOCRFailed, CodeOf(wrapped))
}

func TestClassifyFallback(t *testing.T) {
	assert.Equal(t, CodeEmbeddingFailed, Classify(errors.New("weird"), CodeEmbeddingFailed).Code)
	assert.Nil(t, Classify(nil, CodeUnknown))
}

func TestWrapAndMessages(t *testing.T) {
	assert.NoError(t, Wrap(CodeDownloadFailed, nil, "x"))

	cause := errors.New("disk full")
	err := Wrap(CodeDownloadFailed, cause, "write %s", "a.pdf")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "DOWNLOAD_FAILED")
	assert.Contains(t, err.Error(), "write a.pdf")

	e := New(CodeUnsupportedLegacyFormat, "application/msword")
	assert.Contains(t, e.UserMessage(), ".docx")
	assert.Equal(t, "custom", e.WithUserMessage("custom").UserMessage())
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(New(CodeUnsupportedMimeType, "x")))
	assert.True(t, IsPermanent(New(CodeMissingConfig, "x")))
	assert.False(t, IsPermanent(New(CodeRateLimited, "x")))
	assert.False(t, IsPermanent(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&googleapi.Error{Code: 429}))
	assert.False(t, IsRetryable(errors.New("boom")))
	assert.False(t, IsRetryable(nil))
	assert.True(t, Is(New(CodeTimeout, "x"), CodeTimeout))
}

func TestFromStatus(t *testing.T) {
	assert.Equal(t, CodeRateLimited, FromStatus(429, "callback").Code)
	assert.Equal(t, CodeUnknown, FromStatus(418, "callback").Code)
}
