package allocation_test

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cybons-lab/lot-management-system-sub002/pkg/allocation"
	"github.com/cybons-lab/lot-management-system-sub002/pkg/allocation/storage"
)

// テスト全体で使う固定の現在時刻（2026-06-01 09:00 UTC）
var testNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func expiry(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

// stepClock is a manually advanced clock for lease expiry tests
// リース失効テスト用の手動進行クロック
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock(t time.Time) *stepClock {
	return &stepClock{t: t}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type lotSpec struct {
	id        string
	product   string
	warehouse string
	received  string // 受入数量
	consumed  string // 消費数量（空は0）
	locked    string // 凍結数量（空は0）
	days      int    // 受入日のオフセット（testNowからの日数、負は過去）
	expiry    *time.Time
	status    allocation.LotStatus
	origin    allocation.OriginType
}

func seedLot(store *storage.MemoryStore, spec lotSpec) {
	consumed := decimal.Zero
	if spec.consumed != "" {
		consumed = dec(spec.consumed)
	}
	locked := decimal.Zero
	if spec.locked != "" {
		locked = dec(spec.locked)
	}
	status := spec.status
	if status == "" {
		status = allocation.LotStatusActive
	}
	warehouse := spec.warehouse
	if warehouse == "" {
		warehouse = "WH-01"
	}
	received := testNow.AddDate(0, 0, spec.days)
	store.PutLot(&allocation.LotReceipt{
		ID:           spec.id,
		ProductID:    spec.product,
		WarehouseID:  warehouse,
		LotNumber:    "LN-" + spec.id,
		ReceivedDate: received,
		ExpiryDate:   spec.expiry,
		ReceivedQty:  dec(spec.received),
		ConsumedQty:  consumed,
		LockedQty:    locked,
		Status:       status,
		Origin:       spec.origin,
		CreatedAt:    received,
		UpdatedAt:    received,
	})
}
