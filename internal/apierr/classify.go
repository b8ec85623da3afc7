package apierr

import (
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

// statusCoder is implemented by upstream errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

// Classify turns an arbitrary failure into an *Error. Structured upstream
// status codes win; otherwise the message text is searched for "429", "401"
// and "configuration". Anything left is an upstream error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Upstream("upstream timeout", err)
	}
	if status := upstreamStatus(err); status != 0 {
		if e := fromStatus(status, err); e != nil {
			return e
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "429"):
		return RateLimit("rate limit exceeded, please try again later", err)
	case strings.Contains(msg, "401"):
		return Authentication("authentication with the model provider failed", err)
	case strings.Contains(strings.ToLower(msg), "configuration"):
		return Configuration(msg, err)
	default:
		return Upstream(msg, err)
	}
}

func upstreamStatus(err error) int {
	var oaErr *openai.APIError
	if errors.As(err, &oaErr) {
		return oaErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

func fromStatus(status int, err error) *Error {
	switch {
	case status == http.StatusTooManyRequests:
		return RateLimit("rate limit exceeded, please try again later", err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Authentication("authentication with the model provider failed", err)
	case status >= 400:
		return Upstream(err.Error(), err)
	default:
		return nil
	}
}
