package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/services"
)

// Machine-readable error codes. Clients branch on these, never on the
// message text, so they are part of the wire contract.
const (
	CodeMissingField     = "MISSING_FIELD"
	CodeValidation       = "VALIDATION_ERROR"
	CodeUnknownAction    = "UNKNOWN_ACTION"
	CodeAuthRequired     = "AUTH_REQUIRED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	CodeNotFound         = "NOT_FOUND"
	CodeDuplicateName    = "DUPLICATE_NAME"
	CodeDepsUnsatisfied  = "DEPENDENCIES_UNSATISFIED"
	CodeConcurrent       = "CONCURRENT_MODIFICATION"
	CodeCrossTenant      = "CROSS_TENANT_WRITE"
	CodeInternal         = "INTERNAL_ERROR"
)

// Response is the envelope every tool endpoint returns. Success responses
// carry data and optional workflow guidance; failures carry the error body
// plus the operation that failed ("tool.action").
type Response struct {
	Success          bool           `json:"success"`
	Data             interface{}    `json:"data,omitempty"`
	WorkflowGuidance *Guidance      `json:"workflow_guidance,omitempty"`
	Meta             models.JSONMap `json:"meta,omitempty"`

	Error     *ErrorBody     `json:"error,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Metadata  models.JSONMap `json:"metadata,omitempty"`
}

// ErrorBody is the structured error inside a failure envelope.
type ErrorBody struct {
	Message   string      `json:"message"`
	Code      string      `json:"code"`
	Field     string      `json:"field,omitempty"`
	Expected  string      `json:"expected,omitempty"`
	Hint      string      `json:"hint,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
	Details   interface{} `json:"details,omitempty"`
}

// toolError pairs an HTTP status with the error body. Handlers return it
// for request-shape failures; mapError produces it for everything else.
type toolError struct {
	status int
	body   ErrorBody
}

func (e *toolError) Error() string { return e.body.Message }

func errMissingField(field, expected, hint string) *toolError {
	return &toolError{
		status: http.StatusBadRequest,
		body: ErrorBody{
			Message:  "required field " + field + " is missing",
			Code:     CodeMissingField,
			Field:    field,
			Expected: expected,
			Hint:     hint,
		},
	}
}

func errValidation(message string) *toolError {
	return &toolError{
		status: http.StatusBadRequest,
		body:   ErrorBody{Message: message, Code: CodeValidation},
	}
}

func errFieldValidation(field, message, expected string) *toolError {
	return &toolError{
		status: http.StatusBadRequest,
		body:   ErrorBody{Message: message, Code: CodeValidation, Field: field, Expected: expected},
	}
}

// mapError translates domain errors into the wire error body. Typed errors
// are checked before sentinels: ValidationError and TransitionError both
// match interfaces.ErrValidation through errors.Is, but carry field detail
// the sentinel does not.
func mapError(err error) *toolError {
	var te *toolError
	if errors.As(err, &te) {
		return te
	}

	var ve *services.ValidationError
	if errors.As(err, &ve) {
		return &toolError{
			status: http.StatusBadRequest,
			body: ErrorBody{
				Message:  ve.Message,
				Code:     CodeValidation,
				Field:    ve.Field,
				Expected: ve.Expected,
				Hint:     ve.Hint,
			},
		}
	}
	var tre *services.TransitionError
	if errors.As(err, &tre) {
		return &toolError{
			status: http.StatusBadRequest,
			body: ErrorBody{
				Message:  tre.Error(),
				Code:     CodeValidation,
				Field:    "status",
				Expected: "a transition allowed from " + string(tre.From),
			},
		}
	}
	var de *services.DependencyError
	if errors.As(err, &de) {
		blockers := make([]models.JSONMap, len(de.Blockers))
		for i, b := range de.Blockers {
			blockers[i] = models.JSONMap{
				"task_id": b.TaskID.String(),
				"title":   b.Title,
				"status":  string(b.Status),
			}
		}
		return &toolError{
			status: http.StatusConflict,
			body: ErrorBody{
				Message: de.Error(),
				Code:    CodeDepsUnsatisfied,
				Hint:    "Complete or remove the blocking tasks first.",
				Details: blockers,
			},
		}
	}

	switch {
	case errors.Is(err, interfaces.ErrOptimisticLock):
		return &toolError{
			status: http.StatusConflict,
			body: ErrorBody{
				Message:   "the record changed while this request was in flight",
				Code:      CodeConcurrent,
				Hint:      "Re-read the record and retry the operation.",
				Retryable: true,
			},
		}
	case errors.Is(err, interfaces.ErrDuplicate):
		return &toolError{
			status: http.StatusConflict,
			body:   ErrorBody{Message: err.Error(), Code: CodeDuplicateName},
		}
	case errors.Is(err, interfaces.ErrNotFound):
		return &toolError{
			status: http.StatusNotFound,
			body:   ErrorBody{Message: err.Error(), Code: CodeNotFound},
		}
	case errors.Is(err, interfaces.ErrCrossTenantWrite):
		return &toolError{
			status: http.StatusForbidden,
			body:   ErrorBody{Message: "the record belongs to another user", Code: CodeCrossTenant},
		}
	case errors.Is(err, interfaces.ErrAuthRequired):
		return &toolError{
			status: http.StatusUnauthorized,
			body:   ErrorBody{Message: "authentication required", Code: CodeAuthRequired},
		}
	case errors.Is(err, auth.ErrInsufficientScope):
		return &toolError{
			status: http.StatusForbidden,
			body:   ErrorBody{Message: err.Error(), Code: CodePermissionDenied},
		}
	case errors.Is(err, auth.ErrTokenExpired), errors.Is(err, auth.ErrInvalidToken):
		return &toolError{
			status: http.StatusUnauthorized,
			body:   ErrorBody{Message: "invalid or expired token", Code: CodeInvalidToken},
		}
	case errors.Is(err, interfaces.ErrValidation):
		return &toolError{
			status: http.StatusBadRequest,
			body:   ErrorBody{Message: err.Error(), Code: CodeValidation},
		}
	case errors.Is(err, context.DeadlineExceeded):
		return &toolError{
			status: http.StatusGatewayTimeout,
			body: ErrorBody{
				Message:   "the operation exceeded its deadline",
				Code:      CodeInternal,
				Retryable: true,
			},
		}
	}

	return &toolError{
		status: http.StatusInternalServerError,
		body:   ErrorBody{Message: "an internal error occurred", Code: CodeInternal},
	}
}

// respondOK writes the success envelope. Guidance and meta are optional.
func respondOK(c *gin.Context, data interface{}, guidance *Guidance, meta models.JSONMap) {
	c.JSON(http.StatusOK, Response{
		Success:          true,
		Data:             data,
		WorkflowGuidance: guidance,
		Meta:             meta,
	})
}

// respondErr writes the failure envelope. operation is "tool.action" so a
// client can tell which call in a batch failed.
func respondErr(c *gin.Context, operation string, te *toolError) {
	meta := models.JSONMap{}
	if id := c.GetString(requestIDKey); id != "" {
		meta["request_id"] = id
	}
	c.JSON(te.status, Response{
		Success:   false,
		Error:     &te.body,
		Operation: operation,
		Metadata:  meta,
	})
}
