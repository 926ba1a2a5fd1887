package allocation_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cybons-lab/lot-management-system-sub002/pkg/allocation"
	"github.com/cybons-lab/lot-management-system-sub002/pkg/allocation/storage"
)

// MockDemandSource はテスト用の需要元モック
type MockDemandSource struct {
	mock.Mock
}

func (m *MockDemandSource) GetDemandLine(ctx context.Context, id string) (*allocation.DemandLine, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*allocation.DemandLine), args.Error(1)
}

func (m *MockDemandSource) ListOpenDemandLines(ctx context.Context, f allocation.DemandFilter) ([]allocation.DemandLine, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]allocation.DemandLine), args.Error(1)
}

func (m *MockDemandSource) UpdateDemandStatus(ctx context.Context, id string, status allocation.DemandStatus, shortage decimal.Decimal) error {
	args := m.Called(ctx, id, status, shortage)
	return args.Error(0)
}

func newOrchestrator(store *storage.MemoryStore) *allocation.Orchestrator {
	clock := allocation.FixedClock{T: testNow}
	logger := zap.NewNop()
	selector := allocation.NewSelector(store, clock, logger)
	reservations := allocation.NewReservationManager(store, nil, nil, clock, logger)
	return allocation.NewOrchestrator(selector, reservations, store, store, nil, nil, clock, logger)
}

func seedDemand(store *storage.MemoryStore, id, product string, quantity string) {
	store.PutDemandLine(allocation.DemandLine{
		ID:            id,
		Source:        allocation.SourceOrder,
		ProductID:     product,
		Quantity:      dec(quantity),
		ReferenceDate: testNow,
	}, allocation.DemandPending)
}

// TestOrchestrator_AllocateBatch はバッチ自動引当の基本動作のテスト
func TestOrchestrator_AllocateBatch(t *testing.T) {
	store := storage.NewMemoryStore(allocation.FixedClock{T: testNow})
	seedLot(store, lotSpec{id: "LOT-001", product: "PROD-A", received: "40", days: -20, expiry: expiry(2026, 8, 1)})
	seedLot(store, lotSpec{id: "LOT-002", product: "PROD-A", received: "100", days: -10, expiry: expiry(2026, 12, 1)})
	seedDemand(store, "ORDER-001", "PROD-A", "70")
	seedDemand(store, "ORDER-002", "PROD-A", "250")

	summary, err := newOrchestrator(store).AllocateBatch(context.Background(), allocation.BatchOptions{
		AllowPartial:        true,
		SkipAlreadyReserved: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.ReservedLines)
	assert.Equal(t, 0, summary.SkippedLines)
	assert.Empty(t, summary.FailedLines)
	require.Len(t, summary.Lines, 2)

	// 基準日+IDの順に処理される
	first := summary.Lines[0]
	assert.Equal(t, "ORDER-001", first.LineID)
	assert.Equal(t, allocation.LineReservedFull, first.Status)
	assert.True(t, first.AllocatedQty.Equal(dec("70")))
	assert.True(t, first.Shortage.IsZero())
	assert.Equal(t, 2, first.Reservations)

	// 残り70しかないため2件目は部分引当で不足が出る
	second := summary.Lines[1]
	assert.Equal(t, "ORDER-002", second.LineID)
	assert.Equal(t, allocation.LineReservedPartial, second.Status)
	assert.True(t, second.AllocatedQty.Equal(dec("70")))
	assert.True(t, second.Shortage.Equal(dec("180")))

	assert.Equal(t, 1, second.Reservations)
	assert.Equal(t, 3, summary.TotalReservationsCreated)

	// ステータスが需要元に書き戻される
	status, shortage, ok := store.DemandStatusOf("ORDER-001")
	require.True(t, ok)
	assert.Equal(t, allocation.DemandAllocated, status)
	assert.True(t, shortage.IsZero())

	status, shortage, ok = store.DemandStatusOf("ORDER-002")
	require.True(t, ok)
	assert.Equal(t, allocation.DemandPartiallyAllocated, status)
	assert.True(t, shortage.Equal(dec("180")))
}

// TestOrchestrator_FailureIsolation は1明細の失敗がバッチを中断しないことのテスト
func TestOrchestrator_FailureIsolation(t *testing.T) {
	store := storage.NewMemoryStore(allocation.FixedClock{T: testNow})
	seedLot(store, lotSpec{id: "LOT-001", product: "PROD-A", received: "100", days: -10})
	// 製品ID欠落の明細はセレクタの検証で失敗する
	store.PutDemandLine(allocation.DemandLine{
		ID:            "ORDER-BAD",
		Source:        allocation.SourceOrder,
		Quantity:      dec("10"),
		ReferenceDate: testNow.AddDate(0, 0, -1),
	}, allocation.DemandPending)
	seedDemand(store, "ORDER-GOOD", "PROD-A", "50")

	summary, err := newOrchestrator(store).AllocateBatch(context.Background(), allocation.BatchOptions{
		AllowPartial:        true,
		SkipAlreadyReserved: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.ReservedLines)
	require.Len(t, summary.FailedLines, 1)
	assert.Equal(t, "ORDER-BAD", summary.FailedLines[0].LineID)
	assert.NotEmpty(t, summary.FailedLines[0].Error)

	// 失敗明細の後続は通常どおり処理される
	var good *allocation.LineResult
	for i := range summary.Lines {
		if summary.Lines[i].LineID == "ORDER-GOOD" {
			good = &summary.Lines[i]
		}
	}
	require.NotNil(t, good)
	assert.Equal(t, allocation.LineReservedFull, good.Status)

	reserved, err := store.ReservedQtyBySource(context.Background(), allocation.SourceOrder, "ORDER-GOOD")
	require.NoError(t, err)
	assert.True(t, reserved.Equal(dec("50")))
}

// TestOrchestrator_SkipAlreadyReserved は既予約済み明細のスキップのテスト
func TestOrchestrator_SkipAlreadyReserved(t *testing.T) {
	store := storage.NewMemoryStore(allocation.FixedClock{T: testNow})
	seedLot(store, lotSpec{id: "LOT-001", product: "PROD-A", received: "100", days: -10})
	seedDemand(store, "ORDER-001", "PROD-A", "30")

	clock := allocation.FixedClock{T: testNow}
	manager := allocation.NewReservationManager(store, nil, nil, clock, zap.NewNop())
	_, err := manager.Reserve(context.Background(), allocation.SourceOrder, "ORDER-001",
		[]allocation.AllocationDecision{
			{LotID: "LOT-001", Decision: allocation.DecisionAdopted, AllocatedQty: dec("30")},
		})
	require.NoError(t, err)

	summary, err := newOrchestrator(store).AllocateBatch(context.Background(), allocation.BatchOptions{
		AllowPartial:        true,
		SkipAlreadyReserved: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.SkippedLines)
	assert.Equal(t, 0, summary.ReservedLines)
	require.Len(t, summary.Lines, 1)
	assert.Equal(t, allocation.LineNoResidual, summary.Lines[0].Status)

	// 追加の予約は作られない
	reserved, err := store.ReservedQtyBySource(context.Background(), allocation.SourceOrder, "ORDER-001")
	require.NoError(t, err)
	assert.True(t, reserved.Equal(dec("30")))
}

// TestOrchestrator_ResidualOnly は残要求分のみ引当されることのテスト
func TestOrchestrator_ResidualOnly(t *testing.T) {
	store := storage.NewMemoryStore(allocation.FixedClock{T: testNow})
	seedLot(store, lotSpec{id: "LOT-001", product: "PROD-A", received: "200", days: -10})
	seedDemand(store, "ORDER-001", "PROD-A", "100")

	clock := allocation.FixedClock{T: testNow}
	manager := allocation.NewReservationManager(store, nil, nil, clock, zap.NewNop())
	_, err := manager.Reserve(context.Background(), allocation.SourceOrder, "ORDER-001",
		[]allocation.AllocationDecision{
			{LotID: "LOT-001", Decision: allocation.DecisionAdopted, AllocatedQty: dec("40")},
		})
	require.NoError(t, err)

	summary, err := newOrchestrator(store).AllocateBatch(context.Background(), allocation.BatchOptions{
		AllowPartial:        true,
		SkipAlreadyReserved: true,
	})
	require.NoError(t, err)

	require.Len(t, summary.Lines, 1)
	line := summary.Lines[0]
	assert.Equal(t, allocation.LineReservedFull, line.Status)
	// 既予約40を差し引いた60だけ引当される
	assert.True(t, line.AllocatedQty.Equal(dec("60")))

	reserved, err := store.ReservedQtyBySource(context.Background(), allocation.SourceOrder, "ORDER-001")
	require.NoError(t, err)
	assert.True(t, reserved.Equal(dec("100")))
}

// TestOrchestrator_FilterByProduct はバッチのフィルタ絞り込みのテスト
func TestOrchestrator_FilterByProduct(t *testing.T) {
	store := storage.NewMemoryStore(allocation.FixedClock{T: testNow})
	seedLot(store, lotSpec{id: "LOT-A", product: "PROD-A", received: "100", days: -10})
	seedLot(store, lotSpec{id: "LOT-B", product: "PROD-B", received: "100", days: -10})
	seedDemand(store, "ORDER-A", "PROD-A", "10")
	seedDemand(store, "ORDER-B", "PROD-B", "10")

	summary, err := newOrchestrator(store).AllocateBatch(context.Background(), allocation.BatchOptions{
		Filter:              allocation.DemandFilter{ProductID: "PROD-B"},
		AllowPartial:        true,
		SkipAlreadyReserved: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	require.Len(t, summary.Lines, 1)
	assert.Equal(t, "ORDER-B", summary.Lines[0].LineID)

	// フィルタ外の明細には触れない
	reserved, err := store.ReservedQtyBySource(context.Background(), allocation.SourceOrder, "ORDER-A")
	require.NoError(t, err)
	assert.True(t, reserved.IsZero())
}

// TestOrchestrator_NoStock は在庫ゼロ時の明細結果と不足記録のテスト
func TestOrchestrator_NoStock(t *testing.T) {
	store := storage.NewMemoryStore(allocation.FixedClock{T: testNow})
	seedDemand(store, "ORDER-001", "PROD-A", "50")

	summary, err := newOrchestrator(store).AllocateBatch(context.Background(), allocation.BatchOptions{
		AllowPartial:        true,
		SkipAlreadyReserved: true,
	})
	require.NoError(t, err)

	require.Len(t, summary.Lines, 1)
	line := summary.Lines[0]
	assert.Equal(t, allocation.LineReservedNone, line.Status)
	assert.True(t, line.AllocatedQty.IsZero())
	assert.True(t, line.Shortage.Equal(dec("50")))
	assert.Equal(t, 0, line.Reservations)

	// 予約ゼロの明細は予約済み件数に含めない
	assert.Equal(t, 0, summary.ReservedLines)
	assert.Equal(t, 0, summary.TotalReservationsCreated)

	// 何も引当できなかった明細は未処理のまま残る
	status, shortage, ok := store.DemandStatusOf("ORDER-001")
	require.True(t, ok)
	assert.Equal(t, allocation.DemandPending, status)
	assert.True(t, shortage.Equal(dec("50")))
}

// TestOrchestrator_ListFailure は需要一覧の取得失敗がバッチ全体のエラーになることのテスト
func TestOrchestrator_ListFailure(t *testing.T) {
	store := storage.NewMemoryStore(allocation.FixedClock{T: testNow})
	clock := allocation.FixedClock{T: testNow}
	logger := zap.NewNop()
	selector := allocation.NewSelector(store, clock, logger)
	reservations := allocation.NewReservationManager(store, nil, nil, clock, logger)

	mockDemands := new(MockDemandSource)
	mockDemands.On("ListOpenDemandLines", mock.Anything, mock.AnythingOfType("allocation.DemandFilter")).
		Return(nil, errors.New("接続が切断されました"))

	orchestrator := allocation.NewOrchestrator(selector, reservations, store, mockDemands, nil, nil, clock, logger)

	_, err := orchestrator.AllocateBatch(context.Background(), allocation.BatchOptions{})
	require.Error(t, err)
	var se *allocation.StorageError
	assert.ErrorAs(t, err, &se)
	mockDemands.AssertExpectations(t)
}

// TestOrchestrator_StatusWritebackFailure はステータス書き戻し失敗が予約を巻き戻さないことのテスト
func TestOrchestrator_StatusWritebackFailure(t *testing.T) {
	store := storage.NewMemoryStore(allocation.FixedClock{T: testNow})
	seedLot(store, lotSpec{id: "LOT-001", product: "PROD-A", received: "100", days: -10})

	line := allocation.DemandLine{
		ID:            "ORDER-001",
		Source:        allocation.SourceOrder,
		ProductID:     "PROD-A",
		Quantity:      dec("30"),
		ReferenceDate: testNow,
	}

	mockDemands := new(MockDemandSource)
	mockDemands.On("ListOpenDemandLines", mock.Anything, mock.AnythingOfType("allocation.DemandFilter")).
		Return([]allocation.DemandLine{line}, nil)
	mockDemands.On("UpdateDemandStatus", mock.Anything, "ORDER-001", allocation.DemandAllocated, mock.AnythingOfType("decimal.Decimal")).
		Return(errors.New("需要元サブシステムに接続できません"))

	clock := allocation.FixedClock{T: testNow}
	logger := zap.NewNop()
	selector := allocation.NewSelector(store, clock, logger)
	reservations := allocation.NewReservationManager(store, nil, nil, clock, logger)
	orchestrator := allocation.NewOrchestrator(selector, reservations, store, mockDemands, nil, nil, clock, logger)

	summary, err := orchestrator.AllocateBatch(context.Background(), allocation.BatchOptions{
		AllowPartial:        true,
		SkipAlreadyReserved: true,
	})
	require.NoError(t, err)

	// 書き戻し失敗は警告扱いで、明細は成功として記録される
	assert.Empty(t, summary.FailedLines)
	require.Len(t, summary.Lines, 1)
	assert.Equal(t, allocation.LineReservedFull, summary.Lines[0].Status)

	// 予約は確定したまま残る
	reserved, err := store.ReservedQtyBySource(context.Background(), allocation.SourceOrder, "ORDER-001")
	require.NoError(t, err)
	assert.True(t, reserved.Equal(dec("30")))
	mockDemands.AssertExpectations(t)
}

// TestOrchestrator_Allocate は単一需要明細の引当のテスト
func TestOrchestrator_Allocate(t *testing.T) {
	store := storage.NewMemoryStore(allocation.FixedClock{T: testNow})
	seedLot(store, lotSpec{id: "LOT-001", product: "PROD-A", received: "40", days: -20, expiry: expiry(2026, 8, 1)})
	seedLot(store, lotSpec{id: "LOT-002", product: "PROD-A", received: "100", days: -10, expiry: expiry(2026, 12, 1)})
	seedDemand(store, "ORDER-001", "PROD-A", "70")

	result, reservations, err := newOrchestrator(store).Allocate(
		context.Background(), "ORDER-001", allocation.StrategyFEFO, true)
	require.NoError(t, err)

	assert.True(t, result.TotalAllocated.Equal(dec("70")))
	assert.True(t, result.Shortage.IsZero())
	require.Len(t, reservations, 2)

	// 存在しない需要明細
	_, _, err = newOrchestrator(store).Allocate(
		context.Background(), "ORDER-MISSING", allocation.StrategyFEFO, true)
	assert.ErrorIs(t, err, allocation.ErrDemandLineNotFound)
}
