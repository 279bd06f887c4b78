package shared

import (
	"errors"
	"fmt"
)

// RequestError is used when we want a specific error message and StatusCode.
// sane defaults are listed below. For routes that need custom error messages,
// a request error can be generated and a handler expects the router to return
// the exact message inside the request error msg
//
// Error codes should be bubbled where the RequestError msg is expected to be
// returned to the user. If the user should see a generic error message but
// the error chain should include more detail for logging purposes, then a generic
// error should be added that provides context
type RequestError struct {
	StatusCode int
	Err        error
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("status %d: err %v", r.StatusCode, r.Err)
}

var (
	ErrMissingAuth   = &RequestError{Err: errors.New("missing authorization header"), StatusCode: 401}
	ErrInvalidFormat = &RequestError{Err: errors.New("invalid authentication format"), StatusCode: 401}
	ErrInvalidAPIKey = &RequestError{Err: errors.New("invalid API key"), StatusCode: 401}

	ErrModelNotFound = &RequestError{Err: errors.New("model not found"), StatusCode: 404}

	ErrPathNotAllowed   = &RequestError{Err: errors.New("invalid inference path"), StatusCode: 400}
	ErrWrongModelType   = &RequestError{Err: errors.New("model does not serve this endpoint"), StatusCode: 400}
	ErrInvalidRequest   = &RequestError{Err: errors.New("invalid request body"), StatusCode: 400}
	ErrMissingModelName = &RequestError{Err: errors.New("request body must include a model"), StatusCode: 400}

	ErrUpstreamFailed      = &RequestError{Err: errors.New("upstream model request failed"), StatusCode: 500}
	ErrInternalServerError = &RequestError{Err: errors.New("internal server error"), StatusCode: 500}

	ErrFailedUpstreamReq     = &MetricsError{Msg: "failed to send http request to model", Code: "model_http_err"}
	ErrUpstreamTimeout       = &MetricsError{Msg: "upstream request timed out", Code: "model_timeout_err"}
	ErrFailedReadingResponse = &MetricsError{Msg: "failed to read model response", Code: "model_response_err"}
	ErrClientDisconnected    = &MetricsError{Msg: "client disconnected mid stream", Code: "client_disconnect"}
	ErrUsageExtraction       = &MetricsError{Msg: "failed to extract usage from response", Code: "usage_extract_err"}
)

// MetricsError tags an error chain with a stable code for the error counter.
type MetricsError struct {
	Msg  string
	Code string
}

func (m *MetricsError) Error() string {
	return m.String()
}

func (m *MetricsError) String() string {
	return m.Msg
}
