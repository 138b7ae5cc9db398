package scheduler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"quickgrab/internal/model"
)

func TestEstimatesFactorRefreshIsRateLimited(t *testing.T) {
	e := NewEstimates(10, 19)
	t0 := time.UnixMilli(1714557600000)

	snap := e.Observe(model.Extension{"networkDelay": json.Number("40")}, t0)
	assert.Equal(t, int64(40), snap.AdjustedFactor)

	snap = e.Observe(model.Extension{"networkDelay": json.Number("90")}, t0.Add(2*time.Second))
	assert.Equal(t, int64(40), snap.AdjustedFactor, "inside the window the factor is reused")

	snap = e.Observe(model.Extension{"adjustedFactor": json.Number("70")}, t0.Add(6*time.Second))
	assert.Equal(t, int64(70), snap.AdjustedFactor)

	snap = e.Observe(model.Extension{}, t0.Add(12*time.Second))
	assert.Equal(t, int64(70), snap.AdjustedFactor, "no hint keeps the previous factor")
}

func TestEstimatesProcessingTimeUpdatesEveryDispatch(t *testing.T) {
	e := NewEstimates(10, 19)
	t0 := time.Now()

	assert.Equal(t, int64(25), e.Observe(model.Extension{"processingTime": json.Number("25")}, t0).ProcessingTime)
	assert.Equal(t, int64(31), e.Observe(model.Extension{"processingTime": 31.9}, t0.Add(time.Millisecond)).ProcessingTime)
	assert.Equal(t, int64(31), e.Observe(model.Extension{}, t0.Add(2*time.Millisecond)).ProcessingTime)

	snap := e.Snapshot()
	assert.Equal(t, int64(31), snap.ProcessingTime)
	assert.True(t, snap.UpdatedAt.Equal(t0.Add(2*time.Millisecond)))
}

func TestNetworkDelayWinsOverAdjustedFactor(t *testing.T) {
	e := NewEstimates(10, 19)
	snap := e.Observe(model.Extension{"networkDelay": json.Number("5"), "adjustedFactor": json.Number("50")}, time.Now())
	assert.Equal(t, int64(5), snap.AdjustedFactor)
}
