package errors

import (
	"net/http"
	"time"
)

// Logger is the slice of logger.Logger the handler needs.
type Logger interface {
	Error(msg string, fields map[string]interface{})
}

// StatusResponse is the structured result every public operation returns.
type StatusResponse struct {
	Code    int    `json:"code"`
	Message string `json:"status"`
	Err     error  `json:"-"`
}

// OK reports whether the response is in the success class.
func (s *StatusResponse) OK() bool {
	return s.Code >= 200 && s.Code < 300
}

// ClientError reports whether the response is in the 4xx class.
func (s *StatusResponse) ClientError() bool {
	return s.Code >= 400 && s.Code < 500
}

// ServerError reports whether the response is in the 5xx class.
func (s *StatusResponse) ServerError() bool {
	return s.Code >= 500
}

// NewStatusResponse builds a success response.
func NewStatusResponse(message string) *StatusResponse {
	return &StatusResponse{Code: http.StatusOK, Message: message}
}

// ErrorHandler turns errors into StatusResponses and logs them consistently.
type ErrorHandler struct {
	logger Logger
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle normalizes err, logs it and converts it into a StatusResponse.
func (h *ErrorHandler) Handle(operation string, err error) *StatusResponse {
	stdErr := Normalize(err)
	if h.logger != nil {
		h.logger.Error("operation failed", map[string]interface{}{
			"operation":     operation,
			"errorCode":     string(stdErr.Code),
			"message":       stdErr.Message,
			"details":       stdErr.Details,
			"retryable":     stdErr.Retryable,
			"errorCategory": GetErrorCategory(stdErr.Code),
		})
	}
	return FromError(stdErr)
}

// FromError converts err into a StatusResponse without logging.
func FromError(err error) *StatusResponse {
	stdErr := Normalize(err)
	return &StatusResponse{
		Code:    HTTPStatus(stdErr.Code),
		Message: stdErr.Message,
		Err:     stdErr,
	}
}

// Normalize ensures we always have a StandardError.
func Normalize(err error) *StandardError {
	if stdErr, ok := As(err); ok {
		return stdErr
	}
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Unexpected error",
		Details:   detailsOf(err),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}
