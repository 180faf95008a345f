package gateway

import (
	"context"

	"github.com/moosestack/moose-core/internal/sqlfrag"
)

// requestContext is the gateway's concrete catalog.HandlerContext
// implementation, carrying the per-request collaborators: the OLAP
// client, a SQL fragment builder, and verified JWT claims.
type requestContext struct {
	ctx    context.Context
	client any
	jwt    map[string]any
}

func (r *requestContext) Context() context.Context { return r.ctx }
func (r *requestContext) Client() any               { return r.client }
func (r *requestContext) SQL() sqlfrag.Frag         { return sqlfrag.Frag{} }
func (r *requestContext) JWT() map[string]any       { return r.jwt }
