package now

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNow_ConstValue_Success(t *testing.T) {
	mockTime := time.Unix(12, 11).UTC()
	backgroundCtx := context.Background()
	ctx := context.WithValue(backgroundCtx, ContextKey, mockTime)

	require.NotEqual(t, mockTime, Now(backgroundCtx))
	require.Equal(t, mockTime, Now(ctx))
}

func TestNow_NowProvider_Success(t *testing.T) {
	var monotonicTime int64
	mockTimeProvider := func() time.Time {
		monotonicTime++
		return time.Unix(monotonicTime, 0).UTC()
	}
	backgroundCtx := context.Background()
	ctx := context.WithValue(backgroundCtx, ContextKey, NowProvider(mockTimeProvider))

	require.Equal(t, int64(1), Now(ctx).Unix())
	require.Equal(t, int64(2), Now(ctx).Unix())
	require.Equal(t, int64(2), monotonicTime)

	require.NotEqual(t, int64(2), Now(backgroundCtx))
	require.Equal(t, int64(2), monotonicTime)
}

func TestNow_InvalidValue_Panics(t *testing.T) {
	ctx := context.WithValue(context.Background(), ContextKey, "not a time")
	require.Panics(t, func() {
		Now(ctx)
	})
}

func TestTimeTravelingContext_SetTime_ChangesWhenNowIs(t *testing.T) {
	firstTime := time.Date(2021, time.September, 1, 10, 0, 0, 0, time.UTC)
	secondTime := time.Date(2021, time.September, 1, 10, 1, 0, 0, time.UTC)

	ctx := TimeTravelingContext(firstTime)
	assert.Equal(t, firstTime, Now(ctx))
	ctx.SetTime(secondTime)
	assert.Equal(t, secondTime, Now(ctx))
}

func TestTimeTravelingContext_WithContext_AllowsWrappingContext(t *testing.T) {
	firstTime := time.Date(2021, time.September, 1, 10, 0, 0, 0, time.UTC)
	secondTime := time.Date(2021, time.August, 20, 4, 0, 0, 0, time.UTC)

	type otherKey struct{}
	baseCtx := context.WithValue(context.Background(), otherKey{}, "bar")
	ctx := TimeTravelingContext(firstTime).WithContext(baseCtx)

	assert.Equal(t, firstTime, Now(ctx))
	ctx.SetTime(secondTime)
	assert.Equal(t, secondTime, Now(ctx))
	assert.Equal(t, "bar", ctx.Value(otherKey{}))
}
