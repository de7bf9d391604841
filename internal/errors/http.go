package errors

import (
	stderrors "errors"
	"net/http"
)

// Response is the JSON body of every error answer
type Response struct {
	Status    string                 `json:"status"`
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// ToResponse maps err to a status code and error body. Errors outside the
// taxonomy become generic server errors without leaking their text.
func ToResponse(err error, requestID string) (int, Response) {
	var de *DatastoreError
	if !stderrors.As(err, &de) {
		return http.StatusInternalServerError, Response{
			Status:    "error",
			ErrorCode: KindGeneric.String(),
			Message:   "internal error",
			RequestID: requestID,
		}
	}
	return de.HTTPStatus(), Response{
		Status:    "error",
		ErrorCode: de.Kind.String(),
		Message:   de.Message,
		Details:   de.Details,
		RequestID: requestID,
	}
}

// BadRequest builds the body for a malformed request
func BadRequest(message, requestID string) Response {
	return Response{
		Status:    "error",
		ErrorCode: "INVALID_REQUEST",
		Message:   message,
		RequestID: requestID,
	}
}
