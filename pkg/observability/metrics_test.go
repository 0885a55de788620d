package observability_test

import (
	"context"
	"testing"

	"github.com/arvindks/gojodb/pkg/observability"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestNilReceiversAreNoOps(t *testing.T) {
	var bp *observability.BufferPoolMetrics
	var hi *observability.HashIndexMetrics
	var lm *observability.LockManagerMetrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		bp.IncFetchHit(ctx)
		bp.IncFetchMiss(ctx)
		bp.IncEviction(ctx)
		bp.IncDirtyFlush(ctx)
		bp.IncPoolExhausted(ctx)
		hi.IncSplit(ctx)
		hi.IncMerge(ctx)
		hi.IncInsert(ctx)
		lm.RecordWait(ctx, 1.5)
		lm.IncWound(ctx)
		lm.IncUpgradeConflict(ctx)
	})
}

func TestConstructorsBuildInstrumentsFromMeter(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")

	bp, err := observability.NewBufferPoolMetrics(meter)
	assert.NoError(t, err)
	assert.NotNil(t, bp)

	hi, err := observability.NewHashIndexMetrics(meter)
	assert.NoError(t, err)
	assert.NotNil(t, hi)

	lm, err := observability.NewLockManagerMetrics(meter)
	assert.NoError(t, err)
	assert.NotNil(t, lm)
}
