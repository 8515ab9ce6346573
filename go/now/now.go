// Package now provides a context-scoped clock so code can be tested without
// sleeping real wall-clock time: install a fixed time or a NowProvider func
// on a context.Context and everything that calls now.Now(ctx) observes it.
package now

import (
	"context"
	"time"
)

// contextKeyType is unexported so no key another package defines can
// accidentally collide with ContextKey.
type contextKeyType struct{}

// ContextKey is the context.Value key under which a time.Time or a
// NowProvider may be stashed.
var ContextKey = contextKeyType{}

// NowProvider is a function returning the current time, installable on a
// context the same way a fixed time.Time is.
type NowProvider func() time.Time

// Now returns the real wall-clock time unless ctx carries a ContextKey
// value, in which case it returns that fixed time or calls the installed
// NowProvider. Panics if the stashed value is neither.
func Now(ctx context.Context) time.Time {
	v := ctx.Value(ContextKey)
	if v == nil {
		return time.Now()
	}
	switch t := v.(type) {
	case time.Time:
		return t
	case NowProvider:
		return t()
	default:
		panic("now: ContextKey value is neither time.Time nor NowProvider")
	}
}

// ttc is a context.Context whose Now() can be changed at any point via
// SetTime, independent of the wall clock. Constructed with
// TimeTravelingContext.
type ttc struct {
	context.Context
	t *time.Time
}

// TimeTravelingContext returns a context fixed at t, rooted at
// context.Background(). Use SetTime to move its clock.
func TimeTravelingContext(t time.Time) *ttc {
	return timeTravelingContextWithParent(context.Background(), t)
}

func timeTravelingContextWithParent(parent context.Context, t time.Time) *ttc {
	fixed := t
	c := &ttc{t: &fixed}
	c.Context = context.WithValue(parent, ContextKey, NowProvider(func() time.Time { return *c.t }))
	return c
}

// SetTime moves the context's clock to t.
func (c *ttc) SetTime(t time.Time) {
	*c.t = t
}

// WithContext rewraps this context's clock onto a different parent context,
// so other context.Value keys from parent remain visible.
func (c *ttc) WithContext(parent context.Context) *ttc {
	return timeTravelingContextWithParent(parent, *c.t)
}
