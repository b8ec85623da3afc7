package transport

import (
	"bytes"
	"encoding/json"

	"chatrelay/internal/apierr"

	"github.com/pkg/errors"
)

// ErrorMarker opens an in-band error frame.
const ErrorMarker = "event: error\n"

const frameTerminator = "\n\n"

// ErrorBody is the inner object shared by the JSON envelope and the error frame.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// ErrorEnvelope is the JSON body of a non-streaming failure.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// NewEnvelope renders err for a response that has not started streaming.
func NewEnvelope(err *apierr.Error, requestID string) ErrorEnvelope {
	return ErrorEnvelope{Error: ErrorBody{
		Code:      err.Code(),
		Message:   err.Message,
		Details:   err.Details,
		RequestID: requestID,
	}}
}

// EncodeErrorFrame renders the terminal frame of a stream:
//
//	event: error
//	data: {"error":{"code":...,"message":...,"details":...}}
//
// followed by a blank line. Details are omitted when nil.
func EncodeErrorFrame(err *apierr.Error) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(ErrorMarker)
	buf.WriteString("data: ")

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	payload := ErrorEnvelope{Error: ErrorBody{
		Code:    err.Code(),
		Message: err.Message,
		Details: err.Details,
	}}
	if encErr := enc.Encode(payload); encErr != nil {
		return nil, errors.Wrap(encErr, "encode error frame")
	}
	// Encode terminated the JSON with one newline; one more closes the frame.
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// ErrorFrame is a decoded in-band error.
type ErrorFrame struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// parseErrorFrame decodes the text between the marker and the terminator.
// A frame whose data line cannot be decoded still yields an error so the
// stream is never mistaken for a clean finish.
func parseErrorFrame(frame []byte) *ErrorFrame {
	body := bytes.TrimPrefix(frame, []byte(ErrorMarker))
	for _, line := range bytes.Split(body, []byte("\n")) {
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		var env struct {
			Error ErrorFrame `json:"error"`
		}
		if err := json.Unmarshal(bytes.TrimSpace(data), &env); err == nil && (env.Error.Code != "" || env.Error.Message != "") {
			return &env.Error
		}
		break
	}
	return &ErrorFrame{
		Code:    "UPSTREAM_ERROR",
		Message: "malformed error event from relay",
	}
}
