package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected int
	}{
		{ErrCodeDownloadFailed, http.StatusBadRequest},
		{ErrCodeInvalidSpecification, http.StatusBadRequest},
		{ErrCodeRegistrationFailed, http.StatusBadRequest},
		{ErrCodeWorkflowNotFound, http.StatusNotFound},
		{ErrCodeNodeRegistration, http.StatusInternalServerError},
		{ErrCodeInternalExecution, http.StatusInternalServerError},
		{ErrCodeModelServerUnavailable, http.StatusServiceUnavailable},
		{ErrCodeModelServerTimeout, http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatus(tt.code))
		})
	}
}

func TestStandardError_UnwrapAndHasCode(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := fmt.Errorf("register m1: %w", NewNodeRegistrationError("wf__m1", cause))

	assert.True(t, HasCode(err, ErrCodeNodeRegistration))
	assert.False(t, HasCode(err, ErrCodeTaskCancelled))
	assert.ErrorIs(t, err, cause)

	stdErr, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, "wf__m1", stdErr.Metadata["model"])
	assert.Contains(t, stdErr.Error(), "Workflow Node wf__m1 failed to register.")
}

func TestGetErrorCategory(t *testing.T) {
	assert.Equal(t, "ARCHIVE", GetErrorCategory(ErrCodeDownloadFailed))
	assert.Equal(t, "BACKEND", GetErrorCategory(ErrCodeModelNotFound))
	assert.Equal(t, "REGISTRATION", GetErrorCategory(ErrCodeTaskCancelled))
	assert.Equal(t, "EXECUTION", GetErrorCategory(ErrCodeInternalExecution))
	assert.Equal(t, "INTERNAL", GetErrorCategory(ErrCodeInternal))
}

type recordingLogger struct {
	entries []map[string]interface{}
}

func (r *recordingLogger) Error(_ string, fields map[string]interface{}) {
	r.entries = append(r.entries, fields)
}

func TestErrorHandler_Handle(t *testing.T) {
	log := &recordingLogger{}
	h := NewErrorHandler(log)

	resp := h.Handle("unregister", NewWorkflowNotFoundError("nonexistent"))
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.True(t, resp.ClientError())
	assert.False(t, resp.OK())
	require.Len(t, log.entries, 1)
	assert.Equal(t, "WORKFLOW_NOT_FOUND", log.entries[0]["errorCode"])

	resp = h.Handle("predict", stderrors.New("something odd"))
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.True(t, resp.ServerError())
	assert.True(t, HasCode(resp.Err, ErrCodeInternal))
}
