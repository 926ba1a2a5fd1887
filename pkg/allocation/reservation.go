package allocation

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ManualLine is one lot/quantity pair of a manual override
// 手動引当の1明細
type ManualLine struct {
	LotID    string          `json:"lot_id"`   // ロットID
	Quantity decimal.Decimal `json:"quantity"` // 数量
}

// ReservationManager turns adopted allocation decisions into persisted
// reservation rows. Every write path locks the underlying lot rows and
// re-validates availability under the lock; the read that produced a
// decision is never trusted on its own because time may have passed.
// 採用済みの引当決定を永続的な予約行に変換するマネージャー
type ReservationManager struct {
	store     Store
	publisher EventPublisher
	metrics   *Metrics
	clock     Clock
	logger    *zap.Logger
}

// NewReservationManager creates a new reservation manager
// 新しい予約マネージャーを作成
func NewReservationManager(store Store, publisher EventPublisher, metrics *Metrics, clock Clock, logger *zap.Logger) *ReservationManager {
	if clock == nil {
		clock = SystemClock{}
	}
	return &ReservationManager{
		store:     store,
		publisher: publisher,
		metrics:   metrics,
		clock:     clock,
		logger:    logger,
	}
}

// Reserve persists the adopted decisions of one demand inside a single
// transaction. A failure on any lot rolls back every reservation of the
// call (all-or-nothing at the per-demand granularity).
// 1需要分の採用決定を単一トランザクションで予約化する
func (m *ReservationManager) Reserve(ctx context.Context, source SourceType, sourceID string, decisions []AllocationDecision) ([]LotReservation, error) {
	if err := validateSource(source, sourceID); err != nil {
		return nil, err
	}

	var created []LotReservation
	err := m.store.WithinTx(ctx, func(tx AllocationTx) error {
		var txErr error
		created, txErr = m.reserveInTx(ctx, tx, source, sourceID, decisions)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	m.publishCreated(ctx, created)

	m.logger.Info("予約作成完了",
		zap.String("source_type", string(source)),
		zap.String("source_id", sourceID),
		zap.Int("count", len(created)),
	)

	return created, nil
}

// ReserveInTx persists adopted decisions inside the caller's transaction.
// Used by the orchestrator so that candidate locking, calculation and the
// reservation write commit atomically per demand line.
// 呼び出し側トランザクション内で採用決定を予約化する（オーケストレータ用）
func (m *ReservationManager) ReserveInTx(ctx context.Context, tx AllocationTx, source SourceType, sourceID string, decisions []AllocationDecision) ([]LotReservation, error) {
	if err := validateSource(source, sourceID); err != nil {
		return nil, err
	}
	return m.reserveInTx(ctx, tx, source, sourceID, decisions)
}

func (m *ReservationManager) reserveInTx(ctx context.Context, tx AllocationTx, source SourceType, sourceID string, decisions []AllocationDecision) ([]LotReservation, error) {
	adopted := make([]AllocationDecision, 0, len(decisions))
	for _, d := range decisions {
		if d.Decision != DecisionAdopted {
			continue
		}
		if !d.AllocatedQty.IsPositive() {
			return nil, NewValidationError("allocated_qty", "引当数量は正の値である必要があります", d.AllocatedQty.String())
		}
		adopted = append(adopted, d)
	}

	// ロットID昇順でロックを取得する。複数ロットにまたがる引当同士が
	// 互いに逆順でロックを取り合ってデッドロックするのを防ぐ
	sort.Slice(adopted, func(i, j int) bool { return adopted[i].LotID < adopted[j].LotID })

	created := make([]LotReservation, 0, len(adopted))
	for _, d := range adopted {
		reservation, err := m.createLocked(ctx, tx, d.LotID, source, sourceID, d.AllocatedQty)
		if err != nil {
			return nil, err
		}
		created = append(created, *reservation)
	}

	return created, nil
}

// createLocked locks one lot, re-validates the availability invariant and
// inserts the reservation row. A failed re-validation is a lost race and
// surfaces as a conflict, never as a silent clamp.
// ロットをロックし、不変条件を再検証したうえで予約行を挿入する
func (m *ReservationManager) createLocked(ctx context.Context, tx AllocationTx, lotID string, source SourceType, sourceID string, qty decimal.Decimal) (*LotReservation, error) {
	row, err := tx.LockLot(ctx, lotID)
	if err != nil {
		return nil, err
	}

	headroom := row.Lot.Remaining().Sub(row.Lot.LockedQty).Sub(row.ReservedQty)
	if headroom.LessThan(qty) {
		if m.metrics != nil {
			m.metrics.ReservationConflicts.Inc()
		}
		return nil, NewConflictError("lot:"+lotID,
			fmt.Sprintf("ロック取得後の再検証で在庫が不足しました (要求=%s, 引当可能=%s)", qty.String(), headroom.String()))
	}

	now := m.clock.Now()
	reservation := &LotReservation{
		ID:          NewReservationID(),
		LotID:       lotID,
		Source:      source,
		SourceID:    sourceID,
		ReservedQty: qty,
		Status:      ReservationActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := tx.CreateReservation(ctx, reservation); err != nil {
		return nil, NewStorageError("create_reservation", "予約作成に失敗しました", err)
	}

	return reservation, nil
}

// Release transitions a reservation to released and reports whether this
// call performed the transition. Releasing an already released
// reservation is a no-op, not an error, so retries are safe and stock is
// never double-returned.
// 予約を解除する（解除済みへの再実行はエラーではなくno-op）
func (m *ReservationManager) Release(ctx context.Context, reservationID string) (bool, error) {
	if reservationID == "" {
		return false, NewValidationError("reservation_id", "予約IDが指定されていません", "")
	}

	var released bool
	err := m.store.WithinTx(ctx, func(tx AllocationTx) error {
		var txErr error
		released, txErr = tx.ReleaseReservation(ctx, reservationID)
		return txErr
	})
	if err != nil {
		return false, err
	}

	if released {
		if m.publisher != nil {
			event := ReservationReleasedEvent{
				ReservationID: reservationID,
				Timestamp:     m.clock.Now(),
			}
			if err := m.publisher.PublishReservationReleased(ctx, event); err != nil {
				m.logger.Error("予約解除イベント発行に失敗しました", zap.Error(err))
			}
		}
		m.logger.Info("予約解除完了", zap.String("reservation_id", reservationID))
	}

	return released, nil
}

// CreateManual creates a single ad-hoc reservation outside the calculator
// path, subject to the same locking discipline.
// 計算経路を通らない単発の手動予約を作成（ロック規律は同一）
func (m *ReservationManager) CreateManual(ctx context.Context, sourceID, lotID string, qty decimal.Decimal) (*LotReservation, error) {
	if !qty.IsPositive() {
		return nil, NewValidationError("quantity", "数量は正の値である必要があります", qty.String())
	}
	if lotID == "" {
		return nil, NewValidationError("lot_id", "ロットIDが指定されていません", "")
	}
	if err := validateSource(SourceManual, sourceID); err != nil {
		return nil, err
	}

	var created *LotReservation
	err := m.store.WithinTx(ctx, func(tx AllocationTx) error {
		var txErr error
		created, txErr = m.createLocked(ctx, tx, lotID, SourceManual, sourceID, qty)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	m.publishCreated(ctx, []LotReservation{*created})

	m.logger.Info("手動予約作成完了",
		zap.String("reservation_id", created.ID),
		zap.String("lot_id", lotID),
		zap.String("quantity", qty.String()),
	)

	return created, nil
}

// Replace atomically swaps a demand's reservation set: release-then-recreate
// inside one transaction, so a failure partway through leaves the original
// reservations intact.
// 需要の予約一式を単一トランザクションで入れ替える（途中失敗時は原状維持）
func (m *ReservationManager) Replace(ctx context.Context, source SourceType, sourceID string, lines []ManualLine) ([]LotReservation, error) {
	if err := validateSource(source, sourceID); err != nil {
		return nil, err
	}
	for _, line := range lines {
		if line.LotID == "" {
			return nil, NewValidationError("lot_id", "ロットIDが指定されていません", "")
		}
		if !line.Quantity.IsPositive() {
			return nil, NewValidationError("quantity", "数量は正の値である必要があります", line.Quantity.String())
		}
	}

	ordered := make([]ManualLine, len(lines))
	copy(ordered, lines)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].LotID < ordered[j].LotID })

	var created []LotReservation
	var releasedCount int
	err := m.store.WithinTx(ctx, func(tx AllocationTx) error {
		n, txErr := tx.ReleaseBySource(ctx, source, sourceID)
		if txErr != nil {
			return NewStorageError("release_by_source", "既存予約の解除に失敗しました", txErr)
		}
		releasedCount = n

		created = created[:0]
		for _, line := range ordered {
			reservation, txErr := m.createLocked(ctx, tx, line.LotID, source, sourceID, line.Quantity)
			if txErr != nil {
				return txErr
			}
			created = append(created, *reservation)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publishCreated(ctx, created)

	m.logger.Info("予約入れ替え完了",
		zap.String("source_type", string(source)),
		zap.String("source_id", sourceID),
		zap.Int("released", releasedCount),
		zap.Int("created", len(created)),
	)

	return created, nil
}

// VerifyLotInvariant re-checks the reserved-versus-physical invariant of a
// lot after commit. A violation is fatal: it is logged and surfaced, never
// locally repaired, since silently correcting it could mask a deeper
// concurrency bug.
// コミット後にロットの不変条件を再検査する（違反は致命的、自動修復しない）
func (m *ReservationManager) VerifyLotInvariant(ctx context.Context, lotID string) error {
	lot, err := m.store.GetLot(ctx, lotID)
	if err != nil {
		return err
	}

	reserved, err := m.reservedQtyOfLot(ctx, lot)
	if err != nil {
		return err
	}

	if reserved.GreaterThan(lot.Remaining().Sub(lot.LockedQty)) {
		m.logger.Error("不変条件違反を検出しました",
			zap.String("lot_id", lotID),
			zap.String("reserved", reserved.String()),
			zap.String("remaining", lot.Remaining().String()),
			zap.String("locked", lot.LockedQty.String()),
		)
		return ErrInvariantViolated
	}
	return nil
}

func (m *ReservationManager) reservedQtyOfLot(ctx context.Context, lot *LotReceipt) (decimal.Decimal, error) {
	rows, err := m.store.ListLots(ctx, LotFilter{
		ProductID:   lot.ProductID,
		WarehouseID: lot.WarehouseID,
		Statuses:    []LotStatus{lot.Status},
	})
	if err != nil {
		return decimal.Zero, NewStorageError("list_lots", "ロット一覧取得に失敗しました", err)
	}
	for _, row := range rows {
		if row.Lot.ID == lot.ID {
			return row.ReservedQty, nil
		}
	}
	return decimal.Zero, nil
}

func (m *ReservationManager) publishCreated(ctx context.Context, created []LotReservation) {
	if m.publisher == nil {
		return
	}
	for _, r := range created {
		event := ReservationCreatedEvent{
			ReservationID: r.ID,
			LotID:         r.LotID,
			Source:        r.Source,
			SourceID:      r.SourceID,
			ReservedQty:   r.ReservedQty,
			Timestamp:     m.clock.Now(),
		}
		if err := m.publisher.PublishReservationCreated(ctx, event); err != nil {
			m.logger.Error("予約作成イベント発行に失敗しました", zap.Error(err))
		}
	}
}

func validateSource(source SourceType, sourceID string) error {
	switch source {
	case SourceOrder, SourceForecast, SourceManual:
	default:
		return NewValidationError("source_type", "未知の需要元種別です", string(source))
	}
	if sourceID == "" {
		return NewValidationError("source_id", "需要元IDが指定されていません", "")
	}
	return nil
}
