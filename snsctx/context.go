package snsctx

import "context"

type ctxIndex int

const (
	ctxIndexVerbose ctxIndex = iota
	ctxIndexCycle
)

func IsVerbose(ctx context.Context) bool {
	val := ctx.Value(ctxIndexVerbose)
	if val == nil {
		return false
	}
	return val.(bool)
}

func SetVerbose(ctx context.Context, value bool) context.Context {
	return context.WithValue(ctx, ctxIndexVerbose, value)
}

// WithCycle tags ctx with the acquisition cycle number.
func WithCycle(ctx context.Context, cycle uint64) context.Context {
	return context.WithValue(ctx, ctxIndexCycle, cycle)
}

// Cycle returns the cycle number set by WithCycle, or 0.
func Cycle(ctx context.Context) uint64 {
	val := ctx.Value(ctxIndexCycle)
	if val == nil {
		return 0
	}
	return val.(uint64)
}
