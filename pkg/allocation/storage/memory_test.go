package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cybons-lab/lot-management-system-sub002/pkg/allocation"
)

var memNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func memLot(id string, received string) *allocation.LotReceipt {
	return &allocation.LotReceipt{
		ID:           id,
		ProductID:    "PROD-A",
		WarehouseID:  "WH-01",
		LotNumber:    "LN-" + id,
		ReceivedDate: memNow.AddDate(0, 0, -10),
		ReceivedQty:  decimal.RequireFromString(received),
		Status:       allocation.LotStatusActive,
		CreatedAt:    memNow,
		UpdatedAt:    memNow,
	}
}

// TestMemoryStore_WithinTxRollback はトランザクション失敗時のスナップショット復元のテスト
func TestMemoryStore_WithinTxRollback(t *testing.T) {
	store := NewMemoryStore(allocation.FixedClock{T: memNow})
	store.PutLot(memLot("LOT-001", "100"))
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(tx allocation.AllocationTx) error {
		if err := tx.CreateReservation(ctx, &allocation.LotReservation{
			ID:          "RES-001",
			LotID:       "LOT-001",
			Source:      allocation.SourceManual,
			SourceID:    "MAN-001",
			ReservedQty: decimal.RequireFromString("10"),
			Status:      allocation.ReservationActive,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// 失敗したトランザクションの書き込みは残らない
	_, err = store.GetReservation(ctx, "RES-001")
	assert.ErrorIs(t, err, allocation.ErrReservationNotFound)
}

// TestMemoryStore_ConcurrentReservations は並行予約で在庫が超過しないことのテスト
func TestMemoryStore_ConcurrentReservations(t *testing.T) {
	store := NewMemoryStore(allocation.FixedClock{T: memNow})
	lot := memLot("LOT-001", "100")
	lot.LockedQty = decimal.RequireFromString("20")
	store.PutLot(lot)

	manager := allocation.NewReservationManager(store, nil, nil, allocation.FixedClock{T: memNow}, zap.NewNop())
	ctx := context.Background()

	// 引当可能数量80に対して20本のゴルーチンが各10を要求する
	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	conflicts := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := manager.CreateManual(ctx, "MAN-001", "LOT-001", decimal.RequireFromString("10"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			if allocation.IsConflict(err) {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8, succeeded)
	assert.Equal(t, workers-8, conflicts)

	// 予約合計が引当可能数量を一度も超えない
	reserved, err := store.ReservedQtyBySource(ctx, allocation.SourceManual, "MAN-001")
	require.NoError(t, err)
	assert.True(t, reserved.Equal(decimal.RequireFromString("80")))

	gotLot, err := store.GetLot(ctx, "LOT-001")
	require.NoError(t, err)
	headroom := gotLot.Remaining().Sub(gotLot.LockedQty).Sub(reserved)
	assert.False(t, headroom.IsNegative())
}

// TestMemoryStore_SplitLot はロット分割のテスト
func TestMemoryStore_SplitLot(t *testing.T) {
	store := NewMemoryStore(allocation.FixedClock{T: memNow})
	exp := memNow.AddDate(0, 3, 0)
	parent := memLot("LOT-001", "100")
	parent.ExpiryDate = &exp
	parent.LotMasterKey = "MK-001"
	store.PutLot(parent)
	ctx := context.Background()

	child, err := store.SplitLot(ctx, "LOT-001", decimal.RequireFromString("30"))
	require.NoError(t, err)

	// 子は親のロット番号・期限を引き継ぎ、数量だけ切り出される
	assert.NotEqual(t, "LOT-001", child.ID)
	assert.Equal(t, "MK-001", child.LotMasterKey)
	assert.Equal(t, "LN-LOT-001", child.LotNumber)
	require.NotNil(t, child.ExpiryDate)
	assert.True(t, child.ExpiryDate.Equal(exp))
	assert.True(t, child.ReceivedQty.Equal(decimal.RequireFromString("30")))
	assert.Equal(t, int64(1), child.Version)

	got, err := store.GetLot(ctx, "LOT-001")
	require.NoError(t, err)
	assert.True(t, got.ReceivedQty.Equal(decimal.RequireFromString("70")))

	// 利用可能数量を超える分割は競合
	_, err = store.SplitLot(ctx, "LOT-001", decimal.RequireFromString("200"))
	assert.True(t, allocation.IsConflict(err))

	// 正でない数量は検証エラー
	_, err = store.SplitLot(ctx, "LOT-001", decimal.Zero)
	assert.Error(t, err)
}

// TestMemoryStore_MarkExpiredLots は期限切れロットの一括失効のテスト
func TestMemoryStore_MarkExpiredLots(t *testing.T) {
	store := NewMemoryStore(allocation.FixedClock{T: memNow})
	past := memNow.AddDate(0, 0, -1)
	future := memNow.AddDate(0, 6, 0)

	expired := memLot("LOT-OLD", "50")
	expired.ExpiryDate = &past
	store.PutLot(expired)

	fresh := memLot("LOT-NEW", "50")
	fresh.ExpiryDate = &future
	store.PutLot(fresh)

	noExpiry := memLot("LOT-NOEXP", "50")
	store.PutLot(noExpiry)

	count, err := store.MarkExpiredLots(context.Background(), memNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, err := store.GetLot(context.Background(), "LOT-OLD")
	require.NoError(t, err)
	assert.Equal(t, allocation.LotStatusExpired, got.Status)

	got, err = store.GetLot(context.Background(), "LOT-NEW")
	require.NoError(t, err)
	assert.Equal(t, allocation.LotStatusActive, got.Status)

	// 再実行は冪等
	count, err = store.MarkExpiredLots(context.Background(), memNow)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

// TestMemoryStore_ListOpenDemandLines は未処理需要明細の抽出と並び順のテスト
func TestMemoryStore_ListOpenDemandLines(t *testing.T) {
	store := NewMemoryStore(allocation.FixedClock{T: memNow})
	put := func(id string, days int, status allocation.DemandStatus) {
		store.PutDemandLine(allocation.DemandLine{
			ID:            id,
			Source:        allocation.SourceOrder,
			ProductID:     "PROD-A",
			Quantity:      decimal.RequireFromString("10"),
			ReferenceDate: memNow.AddDate(0, 0, days),
		}, status)
	}
	put("ORDER-LATE", 5, allocation.DemandPending)
	put("ORDER-EARLY", 1, allocation.DemandPending)
	put("ORDER-PARTIAL", 3, allocation.DemandPartiallyAllocated)
	put("ORDER-DONE", 0, allocation.DemandAllocated)
	put("ORDER-HOLD", 0, allocation.DemandOnHold)

	lines, err := store.ListOpenDemandLines(context.Background(), allocation.DemandFilter{})
	require.NoError(t, err)

	// 完了・保留は対象外、基準日昇順で返る
	require.Len(t, lines, 3)
	assert.Equal(t, "ORDER-EARLY", lines[0].ID)
	assert.Equal(t, "ORDER-PARTIAL", lines[1].ID)
	assert.Equal(t, "ORDER-LATE", lines[2].ID)

	lines, err = store.ListOpenDemandLines(context.Background(), allocation.DemandFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

// TestMemoryStore_CompareAndIncrement は版数CASのエンティティ別挙動のテスト
func TestMemoryStore_CompareAndIncrement(t *testing.T) {
	store := NewMemoryStore(allocation.FixedClock{T: memNow})
	store.PutLot(memLot("LOT-001", "100"))
	ctx := context.Background()

	next, err := store.CompareAndIncrement(ctx, "lot", "LOT-001", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)

	_, err = store.CompareAndIncrement(ctx, "lot", "LOT-001", 1)
	assert.ErrorIs(t, err, allocation.ErrVersionMismatch)

	_, err = store.CompareAndIncrement(ctx, "lot", "LOT-MISSING", 1)
	assert.ErrorIs(t, err, allocation.ErrLotNotFound)

	_, err = store.CompareAndIncrement(ctx, "supplier", "SUP-001", 1)
	assert.Error(t, err)
}

// TestMemoryStore_ReleaseBySource は需要元単位の一括解除のテスト
func TestMemoryStore_ReleaseBySource(t *testing.T) {
	store := NewMemoryStore(allocation.FixedClock{T: memNow})
	store.PutLot(memLot("LOT-001", "100"))
	ctx := context.Background()

	seed := func(id, sourceID string) {
		err := store.WithinTx(ctx, func(tx allocation.AllocationTx) error {
			return tx.CreateReservation(ctx, &allocation.LotReservation{
				ID:          id,
				LotID:       "LOT-001",
				Source:      allocation.SourceOrder,
				SourceID:    sourceID,
				ReservedQty: decimal.RequireFromString("10"),
				Status:      allocation.ReservationActive,
			})
		})
		require.NoError(t, err)
	}
	seed("RES-001", "ORDER-001")
	seed("RES-002", "ORDER-001")
	seed("RES-003", "ORDER-002")

	var count int
	err := store.WithinTx(ctx, func(tx allocation.AllocationTx) error {
		var txErr error
		count, txErr = tx.ReleaseBySource(ctx, allocation.SourceOrder, "ORDER-001")
		return txErr
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// 他需要の予約には触れない
	reserved, err := store.ReservedQtyBySource(ctx, allocation.SourceOrder, "ORDER-002")
	require.NoError(t, err)
	assert.True(t, reserved.Equal(decimal.RequireFromString("10")))
}
