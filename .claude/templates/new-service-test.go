// Template for service tests
// Usage: Copy this template when writing new service tests

package services

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Service tests use the map-backed repositories in fixtures_test.go, not
// mocks. newFixture seeds a project, branch, and agent and exposes the
// constructed repositories plus the captured event log.

func Test{Service}{Method}(t *testing.T) {
	f := newFixture()
	svc := f.{service}Service()

	got, err := svc.{Method}(context.Background(), {Input}{
		// Fill input; f.branchID and f.projectID point at seeded rows.
	})
	require.NoError(t, err)

	assert.Equal(t, {expected}, got.{Field})
	// Assert emitted events through the captured log.
	assert.True(t, f.log.hasType(events.Type{Event}))
}

func Test{Service}{Method}Validation(t *testing.T) {
	f := newFixture()
	svc := f.{service}Service()
	ctx := context.Background()

	cases := []struct {
		name  string
		in    {Input}
		field string
	}{
		{"missing {field}", {Input}{}, "{field}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.{Method}(ctx, tc.in)
			require.Error(t, err)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}
