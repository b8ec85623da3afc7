// Package transport holds the wire contract between the relay and its
// clients: the chat request, the JSON error envelope and the in-band error
// frame that may terminate a stream.
package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"chatrelay/internal/apierr"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	ChatID   string    `json:"chatId" validate:"required,uuid"`
	Messages []Message `json:"messages" validate:"required,min=1,dive"`
}

// Message is one prior turn. Content must be present but may be empty.
type Message struct {
	Role    string  `json:"role" validate:"required,oneof=user assistant system"`
	Content *string `json:"content" validate:"required"`
}

// FieldError describes one failed rule.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// NewMessage builds a wire message.
func NewMessage(role, content string) Message {
	return Message{Role: role, Content: &content}
}

// Text returns the content, empty when absent.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Validate checks the request shape and reports every failed field.
func (r *ChatRequest) Validate() *apierr.Error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apierr.Validation("invalid request", nil)
	}
	details := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, FieldError{
			Field: strings.TrimPrefix(fe.Namespace(), "ChatRequest."),
			Rule:  fe.Tag(),
			Param: fe.Param(),
		})
	}
	return apierr.Validation("invalid request", details)
}

// DecodeChatRequest reads and validates a request body. Malformed JSON is a
// validation error like any failed rule.
func DecodeChatRequest(body io.Reader) (*ChatRequest, *apierr.Error) {
	var req ChatRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, apierr.Validation("invalid request body", describeDecodeError(err))
	}
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	return &req, nil
}

func describeDecodeError(err error) any {
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError
	var sizeErr *http.MaxBytesError
	switch {
	case errors.As(err, &sizeErr):
		return map[string]any{"reason": "request body too large", "limit": sizeErr.Limit}
	case errors.As(err, &typeErr):
		return []FieldError{{Field: typeErr.Field, Rule: "type", Param: typeErr.Type.String()}}
	case errors.As(err, &syntaxErr):
		return map[string]any{"offset": syntaxErr.Offset}
	case err == io.EOF:
		return map[string]any{"reason": "empty body"}
	default:
		return map[string]any{"reason": fmt.Sprint(err)}
	}
}
