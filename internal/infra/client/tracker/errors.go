package tracker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/whhaicheng/QTBench/internal/domain/execution"
)

// ResponseError is a non-2xx answer of the tracker.
type ResponseError struct {
	StatusCode int
	Code       int
	Message    string
	Inner      []*ResponseError

	// structured is set when the body was a tracker error document.
	structured bool
	kind       error // execution.ErrQueryNotFound, execution.ErrQueryFinished or nil
}

// apiError is the error body of the tracker, nested through inner_errors.
type apiError struct {
	Code        int        `json:"code"`
	Message     string     `json:"message"`
	InnerErrors []apiError `json:"inner_errors"`
}

func newResponseError(status int, body []byte) *ResponseError {
	e := &ResponseError{StatusCode: status}

	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && (apiErr.Message != "" || apiErr.Code != 0) {
		e.structured = true
		e.Code = apiErr.Code
		e.Message = apiErr.Message
		for _, inner := range apiErr.InnerErrors {
			e.Inner = append(e.Inner, fromAPIError(status, inner))
		}
	} else {
		e.Message = strings.TrimSpace(string(body))
		if e.Message == "" {
			e.Message = http.StatusText(status)
		}
	}

	e.kind = e.classify()
	return e
}

func fromAPIError(status int, a apiError) *ResponseError {
	e := &ResponseError{StatusCode: status, Code: a.Code, Message: a.Message}
	for _, inner := range a.InnerErrors {
		e.Inner = append(e.Inner, fromAPIError(status, inner))
	}
	return e
}

// alreadyFinished matches the tracker refusing to abort a query that has
// already finished.
var alreadyFinished = regexp.MustCompile(`terminal state|already (been )?(finished|completed|aborted|failed)`)

// classify maps a tracker error document onto the execution sentinels. Inner
// errors are searched too since the tracker wraps the root cause. Bodies that
// are not tracker errors (proxies, balancers, auth pages) are never mapped,
// whatever their status.
func (e *ResponseError) classify() error {
	if !e.structured {
		return nil
	}
	msg := strings.ToLower(e.allMessages())
	switch {
	case strings.Contains(msg, "no such query"):
		return execution.ErrQueryNotFound
	case alreadyFinished.MatchString(msg):
		return execution.ErrQueryFinished
	}
	return nil
}

func (e *ResponseError) allMessages() string {
	parts := []string{e.Message}
	for _, inner := range e.Inner {
		parts = append(parts, inner.allMessages())
	}
	return strings.Join(parts, "; ")
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	msg := e.Message
	if len(e.Inner) > 0 {
		msg = e.allMessages()
	}
	if e.Code != 0 {
		return fmt.Sprintf("tracker error %d (HTTP %d): %s", e.Code, e.StatusCode, msg)
	}
	return fmt.Sprintf("tracker error (HTTP %d): %s", e.StatusCode, msg)
}

// Unwrap returns the execution sentinel the error maps to, if any.
func (e *ResponseError) Unwrap() error {
	return e.kind
}
