package weir

import (
	"context"
	"time"

	"github.com/nirosys/weir/graph"
)

type ctxKey uint

const (
	ctxKeyNode   ctxKey = 1
	ctxKeyRunID  ctxKey = 2
	ctxStartTime ctxKey = 3
)

func NewContextFromNode(ctx context.Context, node *graph.Node) context.Context {
	return context.WithValue(ctx, ctxKeyNode, node)
}

func NodeFromContext(ctx context.Context) (*graph.Node, bool) {
	u, ok := ctx.Value(ctxKeyNode).(*graph.Node)
	return u, ok
}

func NewContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKeyRunID, runID)
}

func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRunID).(string)
	return id, ok
}

func NewContextWithStartTime(ctx context.Context, start time.Time) context.Context {
	return context.WithValue(ctx, ctxStartTime, start)
}

func StartTimeFromContext(ctx context.Context) (time.Time, bool) {
	start, ok := ctx.Value(ctxStartTime).(time.Time)
	return start, ok
}
