package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/services"
)

func TestMapErrorSentinels(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{"not found", interfaces.ErrNotFound, http.StatusNotFound, CodeNotFound, false},
		{"wrapped not found", errors.Wrap(interfaces.ErrNotFound, "task abc"), http.StatusNotFound, CodeNotFound, false},
		{"duplicate", interfaces.ErrDuplicate, http.StatusConflict, CodeDuplicateName, false},
		{"optimistic lock", interfaces.ErrOptimisticLock, http.StatusConflict, CodeConcurrent, true},
		{"cross tenant", interfaces.ErrCrossTenantWrite, http.StatusForbidden, CodeCrossTenant, false},
		{"auth required", interfaces.ErrAuthRequired, http.StatusUnauthorized, CodeAuthRequired, false},
		{"insufficient scope", auth.ErrInsufficientScope, http.StatusForbidden, CodePermissionDenied, false},
		{"invalid token", auth.ErrInvalidToken, http.StatusUnauthorized, CodeInvalidToken, false},
		{"expired token", auth.ErrTokenExpired, http.StatusUnauthorized, CodeInvalidToken, false},
		{"validation", errors.Wrap(interfaces.ErrValidation, "bad input"), http.StatusBadRequest, CodeValidation, false},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, CodeInternal, true},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := mapError(tt.err)
			assert.Equal(t, tt.status, te.status)
			assert.Equal(t, tt.code, te.body.Code)
			assert.Equal(t, tt.retryable, te.body.Retryable)
		})
	}
}

func TestMapErrorInternalHidesDetail(t *testing.T) {
	te := mapError(errors.New("pq: connection refused"))
	assert.Equal(t, CodeInternal, te.body.Code)
	assert.NotContains(t, te.body.Message, "pq:")
}

func TestMapErrorValidationError(t *testing.T) {
	err := &services.ValidationError{
		Field:    "title",
		Message:  "title must not be empty",
		Expected: "a non-empty string",
		Hint:     "Give the task a short imperative title.",
	}

	te := mapError(errors.Wrap(err, "create task"))
	assert.Equal(t, http.StatusBadRequest, te.status)
	assert.Equal(t, CodeValidation, te.body.Code)
	assert.Equal(t, "title", te.body.Field)
	assert.Equal(t, "a non-empty string", te.body.Expected)
	assert.Equal(t, "title must not be empty", te.body.Message)
}

func TestMapErrorTransitionError(t *testing.T) {
	err := &services.TransitionError{From: models.StatusDone, To: models.StatusInProgress}

	te := mapError(err)
	assert.Equal(t, http.StatusBadRequest, te.status)
	assert.Equal(t, CodeValidation, te.body.Code)
	assert.Equal(t, "status", te.body.Field)
	assert.Contains(t, te.body.Expected, string(models.StatusDone))
}

func TestMapErrorDependencyError(t *testing.T) {
	blocker := services.Blocker{TaskID: uuid.New(), Title: "schema migration", Status: models.StatusInProgress}
	err := &services.DependencyError{Blockers: []services.Blocker{blocker}}

	te := mapError(err)
	require.Equal(t, http.StatusConflict, te.status)
	assert.Equal(t, CodeDepsUnsatisfied, te.body.Code)
	assert.NotEmpty(t, te.body.Hint)

	details, ok := te.body.Details.([]models.JSONMap)
	require.True(t, ok)
	require.Len(t, details, 1)
	assert.Equal(t, blocker.TaskID.String(), details[0]["task_id"])
	assert.Equal(t, "schema migration", details[0]["title"])
}

func TestMapErrorPassesToolErrorThrough(t *testing.T) {
	orig := errMissingField("branch_id", "a UUID string", "")

	te := mapError(errors.Wrap(orig, "outer"))
	assert.Same(t, orig, te)
	assert.Equal(t, CodeMissingField, te.body.Code)
	assert.Equal(t, "branch_id", te.body.Field)
}
