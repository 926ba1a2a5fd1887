package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cybons-lab/lot-management-system-sub002/pkg/allocation"
)

// versionedTables maps version guard entity names to their tables. Only
// whitelisted entities are reachable; the entity name is never
// interpolated from caller input without this lookup.
// バージョンガードの対象エンティティとテーブルの対応表
var versionedTables = map[string]string{
	"lot":         "lots",
	"demand_line": "demand_lines",
}

const lotColumns = `id, product_id, warehouse_id, supplier_id, lot_master_key, lot_number,
		received_date, expiry_date, received_qty, consumed_qty, locked_qty,
		status, origin_type, version, created_at, updated_at`

// PostgresStore implements the allocation Store, VersionStore and
// LeaseStore interfaces using PostgreSQL
// PostgreSQLを使用した引当ストアの実装
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore creates a new PostgreSQL store instance
// 新しいPostgreSQLストアインスタンスを作成
func NewPostgresStore(dsn string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// 接続プール設定
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{
		db:     db,
		logger: logger,
	}, nil
}

// GetLot retrieves a lot receipt by ID
// IDでロット受入を取得
func (s *PostgresStore) GetLot(ctx context.Context, lotID string) (*allocation.LotReceipt, error) {
	query := `
		SELECT ` + lotColumns + `
		FROM lots
		WHERE id = $1`

	lot, err := scanLot(s.db.QueryRowContext(ctx, query, lotID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, allocation.ErrLotNotFound
		}
		return nil, fmt.Errorf("ロット取得に失敗しました: %w", err)
	}
	return lot, nil
}

// ListLots retrieves lots matching the filter together with their live
// reserved sums, ordered by lot ID. The reserved sum is aggregated in the
// same statement so availability is derived at read time.
// 条件に一致するロットを予約合計付きで取得（ロットID昇順）
func (s *PostgresStore) ListLots(ctx context.Context, f allocation.LotFilter) ([]allocation.LotAvailability, error) {
	statuses := filterStatuses(f)

	query := `
		SELECT l.id, l.product_id, l.warehouse_id, l.supplier_id, l.lot_master_key, l.lot_number,
			l.received_date, l.expiry_date, l.received_qty, l.consumed_qty, l.locked_qty,
			l.status, l.origin_type, l.version, l.created_at, l.updated_at,
			COALESCE(r.reserved, 0) AS reserved_qty
		FROM lots l
		LEFT JOIN (
			SELECT lot_id, SUM(reserved_qty) AS reserved
			FROM lot_reservations
			WHERE status IN ('active', 'confirmed')
			GROUP BY lot_id
		) r ON r.lot_id = l.id
		WHERE l.product_id = $1
			AND ($2 = '' OR l.warehouse_id = $2)
			AND l.status = ANY($3)
		ORDER BY l.id`

	rows, err := s.db.QueryContext(ctx, query, f.ProductID, f.WarehouseID, pq.Array(statuses))
	if err != nil {
		return nil, fmt.Errorf("ロット一覧取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var result []allocation.LotAvailability
	for rows.Next() {
		var av allocation.LotAvailability
		if err := scanLotWithReserved(rows, &av); err != nil {
			return nil, fmt.Errorf("ロットスキャンに失敗しました: %w", err)
		}
		result = append(result, av)
	}
	return result, rows.Err()
}

// ReservedQtyBySource sums the reservations that still claim stock for a
// demand source
// 需要元の有効予約数量を合計
func (s *PostgresStore) ReservedQtyBySource(ctx context.Context, source allocation.SourceType, sourceID string) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(reserved_qty), 0)
		FROM lot_reservations
		WHERE source_type = $1 AND source_id = $2 AND status IN ('active', 'confirmed')`

	var total decimal.Decimal
	err := s.db.QueryRowContext(ctx, query, string(source), sourceID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("予約合計取得に失敗しました: %w", err)
	}
	return total, nil
}

// AddConsumed increments the consumed quantity of a lot. The received
// quantity stays immutable; consumption only grows.
// ロットの消費数量を加算（受入数量は不変、消費は単調増加）
func (s *PostgresStore) AddConsumed(ctx context.Context, lotID string, qty decimal.Decimal) error {
	query := `
		UPDATE lots
		SET consumed_qty = consumed_qty + $2, version = version + 1, updated_at = $3
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, lotID, qty, time.Now())
	if err != nil {
		return fmt.Errorf("消費数量更新に失敗しました: %w", err)
	}
	return requireRow(result, allocation.ErrLotNotFound)
}

// AddLocked adjusts the frozen portion of a lot. Negative qty unfreezes;
// the floor is zero, enforced by the table constraint.
// ロットの凍結数量を増減（負数は解凍）
func (s *PostgresStore) AddLocked(ctx context.Context, lotID string, qty decimal.Decimal) error {
	query := `
		UPDATE lots
		SET locked_qty = locked_qty + $2, version = version + 1, updated_at = $3
		WHERE id = $1 AND locked_qty + $2 >= 0`

	result, err := s.db.ExecContext(ctx, query, lotID, qty, time.Now())
	if err != nil {
		return fmt.Errorf("凍結数量更新に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		// 行が無いのか解凍超過なのかを区別する
		if _, getErr := s.GetLot(ctx, lotID); getErr != nil {
			return getErr
		}
		return allocation.NewValidationError("quantity", "凍結数量を負にはできません", qty.String())
	}
	return nil
}

// SplitLot carves qty off a lot into a new child receipt under the same
// lot master. The parent's received quantity shrinks by qty; nothing is
// consumed. Runs in its own transaction with the parent row locked.
// ロットの一部を同一ロットマスタ配下の子受入へ切り出す
func (s *PostgresStore) SplitLot(ctx context.Context, lotID string, qty decimal.Decimal) (*allocation.LotReceipt, error) {
	if !qty.IsPositive() {
		return nil, allocation.NewValidationError("quantity", "分割数量は正の値である必要があります", qty.String())
	}

	var child *allocation.LotReceipt
	err := s.WithinTx(ctx, func(tx allocation.AllocationTx) error {
		av, err := tx.LockLot(ctx, lotID)
		if err != nil {
			return err
		}
		if av.Available().LessThan(qty) {
			return allocation.NewConflictError("lot:"+lotID, "分割数量が利用可能数量を超えています")
		}

		pgTx := tx.(*postgresTx)
		now := time.Now()

		updateQuery := `
			UPDATE lots
			SET received_qty = received_qty - $2, version = version + 1, updated_at = $3
			WHERE id = $1`
		if _, err := pgTx.tx.ExecContext(ctx, updateQuery, lotID, qty, now); err != nil {
			return fmt.Errorf("親ロット更新に失敗しました: %w", err)
		}

		parent := av.Lot
		child = &allocation.LotReceipt{
			ID:           allocation.NewLotID(),
			ProductID:    parent.ProductID,
			WarehouseID:  parent.WarehouseID,
			SupplierID:   parent.SupplierID,
			LotMasterKey: parent.LotMasterKey,
			LotNumber:    parent.LotNumber,
			ReceivedDate: parent.ReceivedDate,
			ExpiryDate:   parent.ExpiryDate,
			ReceivedQty:  qty,
			ConsumedQty:  decimal.Zero,
			LockedQty:    decimal.Zero,
			Status:       parent.Status,
			Origin:       parent.Origin,
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		insertQuery := `
			INSERT INTO lots (` + lotColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
		_, err = pgTx.tx.ExecContext(ctx, insertQuery,
			child.ID,
			child.ProductID,
			child.WarehouseID,
			child.SupplierID,
			child.LotMasterKey,
			child.LotNumber,
			child.ReceivedDate,
			child.ExpiryDate,
			child.ReceivedQty,
			child.ConsumedQty,
			child.LockedQty,
			string(child.Status),
			string(child.Origin),
			child.Version,
			child.CreatedAt,
			child.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("子ロット作成に失敗しました: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

// MarkExpiredLots transitions active lots whose expiry has passed to
// expired and returns the number of transitioned rows
// 期限を過ぎたactiveロットをexpiredへ遷移
func (s *PostgresStore) MarkExpiredLots(ctx context.Context, asOf time.Time) (int64, error) {
	query := `
		UPDATE lots
		SET status = 'expired', version = version + 1, updated_at = $2
		WHERE status = 'active' AND expiry_date IS NOT NULL AND expiry_date < $1`

	result, err := s.db.ExecContext(ctx, query, asOf, time.Now())
	if err != nil {
		return 0, fmt.Errorf("期限切れ遷移に失敗しました: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// GetReservation retrieves a reservation by ID
// IDで予約を取得
func (s *PostgresStore) GetReservation(ctx context.Context, id string) (*allocation.LotReservation, error) {
	query := `
		SELECT id, lot_id, source_type, source_id, reserved_qty, status, created_at, updated_at
		FROM lot_reservations
		WHERE id = $1`

	r := &allocation.LotReservation{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&r.ID,
		&r.LotID,
		&r.Source,
		&r.SourceID,
		&r.ReservedQty,
		&r.Status,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, allocation.ErrReservationNotFound
		}
		return nil, fmt.Errorf("予約取得に失敗しました: %w", err)
	}
	return r, nil
}

// ListReservationsBySource retrieves every reservation of a demand source
// 需要元のすべての予約を取得
func (s *PostgresStore) ListReservationsBySource(ctx context.Context, source allocation.SourceType, sourceID string) ([]allocation.LotReservation, error) {
	query := `
		SELECT id, lot_id, source_type, source_id, reserved_qty, status, created_at, updated_at
		FROM lot_reservations
		WHERE source_type = $1 AND source_id = $2
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, string(source), sourceID)
	if err != nil {
		return nil, fmt.Errorf("予約一覧取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var reservations []allocation.LotReservation
	for rows.Next() {
		var r allocation.LotReservation
		err := rows.Scan(
			&r.ID,
			&r.LotID,
			&r.Source,
			&r.SourceID,
			&r.ReservedQty,
			&r.Status,
			&r.CreatedAt,
			&r.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("予約スキャンに失敗しました: %w", err)
		}
		reservations = append(reservations, r)
	}
	return reservations, rows.Err()
}

// WithinTx runs fn inside one database transaction. Any error from fn
// rolls the whole transaction back.
// fnを1つのデータベーストランザクション内で実行
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx allocation.AllocationTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗しました: %w", err)
	}

	if err := fn(&postgresTx{tx: tx, logger: s.logger}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("ロールバックに失敗しました", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗しました: %w", err)
	}
	return nil
}

// CurrentVersion reads the version counter of a whitelisted entity
// 対象エンティティの版数を取得
func (s *PostgresStore) CurrentVersion(ctx context.Context, entity, id string) (int64, error) {
	table, ok := versionedTables[entity]
	if !ok {
		return 0, allocation.NewValidationError("entity", "無効なエンティティ種別です", entity)
	}

	query := fmt.Sprintf(`SELECT version FROM %s WHERE id = $1`, table)

	var version int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(&version)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, notFoundFor(entity)
		}
		return 0, fmt.Errorf("バージョン取得に失敗しました: %w", err)
	}
	return version, nil
}

func notFoundFor(entity string) error {
	if entity == "demand_line" {
		return allocation.ErrDemandLineNotFound
	}
	return allocation.ErrLotNotFound
}

// CompareAndIncrement bumps the version only when it still equals
// expected. The compare and the increment are one UPDATE, atomic at the
// row level.
// 版数が期待値と一致する場合のみアトミックに加算
func (s *PostgresStore) CompareAndIncrement(ctx context.Context, entity, id string, expected int64) (int64, error) {
	table, ok := versionedTables[entity]
	if !ok {
		return 0, allocation.NewValidationError("entity", "無効なエンティティ種別です", entity)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET version = version + 1, updated_at = $3
		WHERE id = $1 AND version = $2
		RETURNING version`, table)

	var next int64
	err := s.db.QueryRowContext(ctx, query, id, expected, time.Now()).Scan(&next)
	if err != nil {
		if err == sql.ErrNoRows {
			// 行が無いのか版数不一致なのかを区別する
			if _, vErr := s.CurrentVersion(ctx, entity, id); vErr != nil {
				return 0, vErr
			}
			return 0, allocation.ErrVersionMismatch
		}
		return 0, fmt.Errorf("バージョン更新に失敗しました: %w", err)
	}
	return next, nil
}

// GetLease retrieves the lease on a resource, or nil when absent
// リソースのリースを取得（未保持はnil）
func (s *PostgresStore) GetLease(ctx context.Context, resource string) (*allocation.EditLease, error) {
	query := `
		SELECT resource, holder, acquired_at, expires_at
		FROM edit_leases
		WHERE resource = $1`

	lease := &allocation.EditLease{}
	err := s.db.QueryRowContext(ctx, query, resource).Scan(
		&lease.Resource,
		&lease.Holder,
		&lease.AcquiredAt,
		&lease.ExpiresAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("リース取得に失敗しました: %w", err)
	}
	return lease, nil
}

// AcquireLease grants or renews the lease with a single conditional
// upsert. The update only lands when the caller already holds the lease
// or the stored lease has lapsed; otherwise no row comes back and the
// resource stays with its current holder.
// 条件付きUPSERT1文でリースを取得・更新する（判定と書き込みを分離しない）
func (s *PostgresStore) AcquireLease(ctx context.Context, resource, holder string, now, expiresAt time.Time) (*allocation.EditLease, error) {
	query := `
		INSERT INTO edit_leases (resource, holder, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (resource) DO UPDATE
		SET holder = EXCLUDED.holder,
			acquired_at = CASE
				WHEN edit_leases.holder = EXCLUDED.holder THEN edit_leases.acquired_at
				ELSE EXCLUDED.acquired_at
			END,
			expires_at = EXCLUDED.expires_at
		WHERE edit_leases.holder = EXCLUDED.holder OR edit_leases.expires_at <= $3
		RETURNING resource, holder, acquired_at, expires_at`

	lease := &allocation.EditLease{}
	err := s.db.QueryRowContext(ctx, query, resource, holder, now, expiresAt).Scan(
		&lease.Resource,
		&lease.Holder,
		&lease.AcquiredAt,
		&lease.ExpiresAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, allocation.ErrLeaseHeld
		}
		return nil, fmt.Errorf("リース取得に失敗しました: %w", err)
	}
	return lease, nil
}

// DeleteLease removes the lease only when held by holder
// 保持者が一致する場合のみリースを削除
func (s *PostgresStore) DeleteLease(ctx context.Context, resource, holder string) (bool, error) {
	query := `DELETE FROM edit_leases WHERE resource = $1 AND holder = $2`

	result, err := s.db.ExecContext(ctx, query, resource, holder)
	if err != nil {
		return false, fmt.Errorf("リース削除に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除行数の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// Ping checks database connectivity
// データベース接続をチェック
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続を閉じる
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// postgresTx implements AllocationTx over one *sql.Tx
// 1つの*sql.Tx上でAllocationTxを実装
type postgresTx struct {
	tx     *sql.Tx
	logger *zap.Logger
}

// LockCandidates locks candidate rows with FOR UPDATE in ascending lot ID
// order, then sums their reservations inside the same transaction. The
// two steps see a consistent view because the rows are already locked.
// 候補行をロットID昇順でFOR UPDATEロックし、同一トランザクション内で予約を合計
func (t *postgresTx) LockCandidates(ctx context.Context, f allocation.LotFilter) ([]allocation.LotAvailability, error) {
	statuses := filterStatuses(f)

	lockClause := "FOR UPDATE"
	if f.SkipLocked {
		lockClause = "FOR UPDATE SKIP LOCKED"
	}

	query := `
		SELECT ` + lotColumns + `
		FROM lots
		WHERE product_id = $1
			AND ($2 = '' OR warehouse_id = $2)
			AND status = ANY($3)
		ORDER BY id
		` + lockClause

	rows, err := t.tx.QueryContext(ctx, query, f.ProductID, f.WarehouseID, pq.Array(statuses))
	if err != nil {
		return nil, fmt.Errorf("候補ロックに失敗しました: %w", err)
	}

	var lots []allocation.LotReceipt
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("ロットスキャンに失敗しました: %w", err)
		}
		lots = append(lots, *lot)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("候補ロックに失敗しました: %w", err)
	}
	rows.Close()

	if len(lots) == 0 {
		return nil, nil
	}

	reserved, err := t.reservedByLot(ctx, lotIDs(lots))
	if err != nil {
		return nil, err
	}

	result := make([]allocation.LotAvailability, 0, len(lots))
	for _, lot := range lots {
		result = append(result, allocation.LotAvailability{
			Lot:         lot,
			ReservedQty: reserved[lot.ID],
		})
	}
	return result, nil
}

// LockLot locks a single lot row and returns it with its reserved sum
// 単一ロット行をロックして予約合計付きで返す
func (t *postgresTx) LockLot(ctx context.Context, lotID string) (*allocation.LotAvailability, error) {
	query := `
		SELECT ` + lotColumns + `
		FROM lots
		WHERE id = $1
		FOR UPDATE`

	lot, err := scanLot(t.tx.QueryRowContext(ctx, query, lotID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, allocation.ErrLotNotFound
		}
		return nil, fmt.Errorf("ロットロックに失敗しました: %w", err)
	}

	reserved, err := t.reservedByLot(ctx, []string{lotID})
	if err != nil {
		return nil, err
	}
	return &allocation.LotAvailability{
		Lot:         *lot,
		ReservedQty: reserved[lotID],
	}, nil
}

// CreateReservation persists a new reservation row
// 新しい予約行を永続化
func (t *postgresTx) CreateReservation(ctx context.Context, r *allocation.LotReservation) error {
	query := `
		INSERT INTO lot_reservations (id, lot_id, source_type, source_id, reserved_qty, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := t.tx.ExecContext(ctx, query,
		r.ID,
		r.LotID,
		string(r.Source),
		r.SourceID,
		r.ReservedQty,
		string(r.Status),
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return allocation.NewConflictError("reservation:"+r.ID, "予約は既に存在します")
		}
		return fmt.Errorf("予約作成に失敗しました: %w", err)
	}
	return nil
}

// ReleaseReservation transitions a claiming reservation to released.
// Returns false without error when the reservation was already released.
// 有効な予約をreleasedへ遷移（解除済みはfalseを返すのみ）
func (t *postgresTx) ReleaseReservation(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE lot_reservations
		SET status = 'released', updated_at = $2
		WHERE id = $1 AND status IN ('active', 'confirmed')`

	result, err := t.tx.ExecContext(ctx, query, id, time.Now())
	if err != nil {
		return false, fmt.Errorf("予約解除に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected > 0 {
		return true, nil
	}

	// 行が無いのか解除済みなのかを区別する
	var status string
	err = t.tx.QueryRowContext(ctx, `SELECT status FROM lot_reservations WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, allocation.ErrReservationNotFound
		}
		return false, fmt.Errorf("予約取得に失敗しました: %w", err)
	}
	return false, nil
}

// ReleaseBySource releases every claiming reservation of a demand source
// and returns the number of released rows
// 需要元のすべての有効予約を解除
func (t *postgresTx) ReleaseBySource(ctx context.Context, source allocation.SourceType, sourceID string) (int, error) {
	query := `
		UPDATE lot_reservations
		SET status = 'released', updated_at = $3
		WHERE source_type = $1 AND source_id = $2 AND status IN ('active', 'confirmed')`

	result, err := t.tx.ExecContext(ctx, query, string(source), sourceID, time.Now())
	if err != nil {
		return 0, fmt.Errorf("需要元予約解除に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	return int(rowsAffected), nil
}

// reservedByLot sums claiming reservations for the given lot IDs
// 指定ロットIDの有効予約を合計
func (t *postgresTx) reservedByLot(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	query := `
		SELECT lot_id, COALESCE(SUM(reserved_qty), 0)
		FROM lot_reservations
		WHERE lot_id = ANY($1) AND status IN ('active', 'confirmed')
		GROUP BY lot_id`

	rows, err := t.tx.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("予約合計取得に失敗しました: %w", err)
	}
	defer rows.Close()

	reserved := make(map[string]decimal.Decimal, len(ids))
	for rows.Next() {
		var lotID string
		var sum decimal.Decimal
		if err := rows.Scan(&lotID, &sum); err != nil {
			return nil, fmt.Errorf("予約合計スキャンに失敗しました: %w", err)
		}
		reserved[lotID] = sum
	}
	return reserved, rows.Err()
}

func lotIDs(lots []allocation.LotReceipt) []string {
	ids := make([]string, len(lots))
	for i, lot := range lots {
		ids[i] = lot.ID
	}
	return ids
}

func filterStatuses(f allocation.LotFilter) []string {
	if len(f.Statuses) == 0 {
		return []string{string(allocation.LotStatusActive)}
	}
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	return statuses
}

// rowScanner covers *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLot(row rowScanner) (*allocation.LotReceipt, error) {
	lot := &allocation.LotReceipt{}
	err := row.Scan(
		&lot.ID,
		&lot.ProductID,
		&lot.WarehouseID,
		&lot.SupplierID,
		&lot.LotMasterKey,
		&lot.LotNumber,
		&lot.ReceivedDate,
		&lot.ExpiryDate,
		&lot.ReceivedQty,
		&lot.ConsumedQty,
		&lot.LockedQty,
		&lot.Status,
		&lot.Origin,
		&lot.Version,
		&lot.CreatedAt,
		&lot.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return lot, nil
}

func scanLotWithReserved(rows *sql.Rows, av *allocation.LotAvailability) error {
	return rows.Scan(
		&av.Lot.ID,
		&av.Lot.ProductID,
		&av.Lot.WarehouseID,
		&av.Lot.SupplierID,
		&av.Lot.LotMasterKey,
		&av.Lot.LotNumber,
		&av.Lot.ReceivedDate,
		&av.Lot.ExpiryDate,
		&av.Lot.ReceivedQty,
		&av.Lot.ConsumedQty,
		&av.Lot.LockedQty,
		&av.Lot.Status,
		&av.Lot.Origin,
		&av.Lot.Version,
		&av.Lot.CreatedAt,
		&av.Lot.UpdatedAt,
		&av.ReservedQty,
	)
}

func requireRow(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

// interface guards
var (
	_ allocation.Store        = (*PostgresStore)(nil)
	_ allocation.VersionStore = (*PostgresStore)(nil)
	_ allocation.LeaseStore   = (*PostgresStore)(nil)
	_ allocation.AllocationTx = (*postgresTx)(nil)
)
