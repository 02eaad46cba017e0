// Template for a new tool action
// Usage: Copy this template when adding an action to an existing tool

package api

import (
	"context"

	"github.com/gin-gonic/gin"
)

// Adding an action touches three places:
//
// 1. schemas.go: add "{action}" to the tool's actions list, declare any
//    new fields under the schema document's properties, and list the
//    action's required fields under required["{action}"].
// 2. The tool's request struct: add new fields with validate tags.
// 3. The tool's action switch in {tool}Action:
//        case "{action}":
//            return s.{tool}{Action}(ctx, &req)

func (s *Server) {tool}{Action}(ctx context.Context, req *{tool}Request) (interface{}, *Guidance, error) {
	id, te := req.{tool}ID()
	if te != nil {
		return nil, nil, te
	}

	// Parse any remaining fields with the parse* helpers so malformed
	// input reports VALIDATION_ERROR with the field name.
	result, err := s.deps.{Service}.{Method}(ctx, id)
	if err != nil {
		// Return service errors unwrapped; mapError owns the wire codes.
		return nil, nil, err
	}

	return gin.H{"{resource}": result}, nil, nil
}
