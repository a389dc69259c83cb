package services

import (
	"context"
	"sync"

	"github.com/GrainArc/ZoneMap/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type statusOverride struct {
	status  models.ZoneStatus
	seq     uint64
	settled bool // 服务端已确认
}

// StatusTracker 审批状态的乐观更新：先覆盖显示，服务端失败时回滚
type StatusTracker struct {
	api ZoneAPI
	log zerolog.Logger

	mu        sync.Mutex
	overrides map[int64]statusOverride
	seq       uint64
}

func NewStatusTracker(api ZoneAPI, log zerolog.Logger) *StatusTracker {
	return &StatusTracker{
		api:       api,
		log:       log.With().Str("component", "status").Logger(),
		overrides: make(map[int64]statusOverride),
	}
}

// SetStatus 立即生效，失败时恢复到调用前的覆盖值（没有则移除）
func (t *StatusTracker) SetStatus(ctx context.Context, id int64, status models.ZoneStatus) error {
	t.mu.Lock()
	prev, hadPrev := t.overrides[id]
	t.seq++
	mine := t.seq
	t.overrides[id] = statusOverride{status: status, seq: mine}
	t.mu.Unlock()

	err := t.api.UpdateStatus(ctx, id, status)

	t.mu.Lock()
	if err == nil {
		if cur, ok := t.overrides[id]; ok && cur.seq == mine {
			cur.settled = true
			t.overrides[id] = cur
		}
		t.mu.Unlock()
		return nil
	}
	// 之后又有新的修改时不回滚
	if cur, ok := t.overrides[id]; ok && cur.seq == mine {
		if hadPrev {
			t.overrides[id] = prev
		} else {
			delete(t.overrides, id)
		}
	}
	t.mu.Unlock()
	t.log.Warn().Err(err).Int64("zone", id).Str("status", string(status)).Msg("status change rolled back")
	return errors.WithMessagef(err, "set status of zone %d", id)
}

// Overrides 当前覆盖值
func (t *StatusTracker) Overrides() map[int64]models.ZoneStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int64]models.ZoneStatus, len(t.overrides))
	for id, o := range t.overrides {
		out[id] = o.status
	}
	return out
}

// ClearSettled 瓦片版本变化后服务端数据已包含确认过的状态，仍在请求中的保留
func (t *StatusTracker) ClearSettled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, o := range t.overrides {
		if o.settled {
			delete(t.overrides, id)
		}
	}
}
