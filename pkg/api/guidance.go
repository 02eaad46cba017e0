package api

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/hints"
	"github.com/taskhub/taskhub/pkg/models"
)

// Guidance steers tool callers toward the next sensible call. It only
// appears on success envelopes; failures explain themselves through the
// error body.
type Guidance struct {
	NextSteps []string       `json:"next_steps,omitempty"`
	Hints     []*models.Hint `json:"hints,omitempty"`
}

func guide(steps ...string) *Guidance {
	if len(steps) == 0 {
		return nil
	}
	return &Guidance{NextSteps: steps}
}

// withHints decorates guidance with rule-generated hints for a task. Hint
// generation is advisory; failures are logged and swallowed.
func (s *Server) withHints(ctx context.Context, g *Guidance, taskID uuid.UUID) *Guidance {
	if s.deps.Hints == nil {
		return g
	}
	generated, err := s.deps.Hints.Generate(ctx, taskID, hints.GenerateOptions{Limit: maxGuidanceHints})
	if err != nil {
		s.logger.Debug("hint generation skipped", map[string]interface{}{
			"task_id": taskID.String(),
			"error":   err.Error(),
		})
		return g
	}
	if len(generated) == 0 {
		return g
	}
	if g == nil {
		g = &Guidance{}
	}
	g.Hints = generated
	return g
}

// maxGuidanceHints caps the hints attached to a response so guidance stays
// skimmable.
const maxGuidanceHints = 3
