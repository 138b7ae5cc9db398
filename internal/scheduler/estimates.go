package scheduler

import (
	"sync"
	"time"

	"quickgrab/internal/model"
)

// FactorRefreshWindow 网络延迟因子最多每 5 秒重新计算一次
const FactorRefreshWindow = 5 * time.Second

// Estimates 保存调度使用的网络延迟因子与处理耗时 (毫秒)。
// 延迟因子按窗口限频刷新，处理耗时每次调度都更新。
type Estimates struct {
	mu             sync.Mutex
	adjustedFactor int64
	processingTime int64
	factorUpdated  time.Time
	updatedAt      time.Time
}

// EstimateSnapshot 是某一时刻的估计值。
type EstimateSnapshot struct {
	AdjustedFactor int64     `json:"adjustedFactor"`
	ProcessingTime int64     `json:"processingTime"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func NewEstimates(adjustedFactor, processingTime int64) *Estimates {
	return &Estimates{adjustedFactor: adjustedFactor, processingTime: processingTime}
}

// Observe 用请求的扩展字段更新估计值并返回更新后的快照。
// networkDelay 优先于 adjustedFactor; 两者都没有时沿用当前值。
func (e *Estimates) Observe(ext model.Extension, now time.Time) EstimateSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.factorUpdated.IsZero() || now.Sub(e.factorUpdated) > FactorRefreshWindow {
		factor := e.adjustedFactor
		if v, ok := ext.Number("networkDelay"); ok {
			factor = v
		} else if v, ok := ext.Number("adjustedFactor"); ok {
			factor = v
		}
		e.adjustedFactor = factor
		e.factorUpdated = now
	}
	if v, ok := ext.Number("processingTime"); ok {
		e.processingTime = v
	}
	e.updatedAt = now
	return e.snapshotLocked()
}

func (e *Estimates) Snapshot() EstimateSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Estimates) snapshotLocked() EstimateSnapshot {
	return EstimateSnapshot{
		AdjustedFactor: e.adjustedFactor,
		ProcessingTime: e.processingTime,
		UpdatedAt:      e.updatedAt,
	}
}
