package services

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
)

func TestValidationErrorMatchesSentinel(t *testing.T) {
	err := NewValidationError("title", "title is required")
	assert.True(t, errors.Is(err, interfaces.ErrValidation))
	assert.Equal(t, "title: title is required", err.Error())

	wrapped := errors.Wrap(err, "create task")
	assert.True(t, errors.Is(wrapped, interfaces.ErrValidation))

	var ve *ValidationError
	assert.True(t, errors.As(wrapped, &ve))
	assert.Equal(t, "title", ve.Field)
}

func TestTransitionErrorMatchesSentinel(t *testing.T) {
	err := &TransitionError{From: models.StatusTodo, To: models.StatusDone}
	assert.True(t, errors.Is(err, interfaces.ErrValidation))
	assert.Equal(t, "cannot transition from todo to done", err.Error())
}

func TestDependencyErrorMessageCountsBlockers(t *testing.T) {
	blocker := uuid.New()
	err := &DependencyError{
		TaskID: uuid.New(),
		Blockers: []Blocker{
			{TaskID: blocker, Title: "schema migration", Status: models.StatusInProgress},
			{TaskID: uuid.New(), Title: "api review", Status: models.StatusTodo},
		},
	}
	assert.Contains(t, err.Error(), "2 unsatisfied dependencies")
	assert.Contains(t, err.Error(), blocker.String())
	assert.False(t, errors.Is(err, interfaces.ErrValidation))
}
