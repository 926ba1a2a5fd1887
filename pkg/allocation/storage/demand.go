package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cybons-lab/lot-management-system-sub002/pkg/allocation"
)

// PostgresDemandSource adapts the demand_lines table to the DemandSource
// interface. Demand quantities are owned by the ordering subsystem; this
// adapter only reads them and writes allocation status back.
// demand_linesテーブルをDemandSourceインターフェースへ適合させる
type PostgresDemandSource struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresDemandSource creates a demand source over an existing pool
// 既存の接続プール上に需要元アダプタを作成
func NewPostgresDemandSource(store *PostgresStore, logger *zap.Logger) *PostgresDemandSource {
	return &PostgresDemandSource{
		db:     store.db,
		logger: logger,
	}
}

// GetDemandLine retrieves a demand line by ID
// IDで需要明細を取得
func (s *PostgresDemandSource) GetDemandLine(ctx context.Context, id string) (*allocation.DemandLine, error) {
	query := `
		SELECT id, source_type, product_id, warehouse_id, quantity, reference_date
		FROM demand_lines
		WHERE id = $1`

	line := &allocation.DemandLine{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&line.ID,
		&line.Source,
		&line.ProductID,
		&line.WarehouseID,
		&line.Quantity,
		&line.ReferenceDate,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, allocation.ErrDemandLineNotFound
		}
		return nil, fmt.Errorf("需要明細取得に失敗しました: %w", err)
	}
	return line, nil
}

// ListOpenDemandLines retrieves demand lines still awaiting allocation,
// ordered by reference date then ID for a stable batch order
// 引当待ちの需要明細を基準日・ID順で取得
func (s *PostgresDemandSource) ListOpenDemandLines(ctx context.Context, f allocation.DemandFilter) ([]allocation.DemandLine, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, source_type, product_id, warehouse_id, quantity, reference_date
		FROM demand_lines
		WHERE status IN ('pending', 'partially_allocated')`)

	args := make([]interface{}, 0, 4)
	if f.Source != "" {
		args = append(args, string(f.Source))
		fmt.Fprintf(&sb, " AND source_type = $%d", len(args))
	}
	if f.ProductID != "" {
		args = append(args, f.ProductID)
		fmt.Fprintf(&sb, " AND product_id = $%d", len(args))
	}
	if f.WarehouseID != "" {
		args = append(args, f.WarehouseID)
		fmt.Fprintf(&sb, " AND warehouse_id = $%d", len(args))
	}
	sb.WriteString(" ORDER BY reference_date, id")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("需要明細一覧取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var lines []allocation.DemandLine
	for rows.Next() {
		var line allocation.DemandLine
		err := rows.Scan(
			&line.ID,
			&line.Source,
			&line.ProductID,
			&line.WarehouseID,
			&line.Quantity,
			&line.ReferenceDate,
		)
		if err != nil {
			return nil, fmt.Errorf("需要明細スキャンに失敗しました: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// UpdateDemandStatus writes the allocation outcome back to the demand line
// 引当結果を需要明細へ書き戻す
func (s *PostgresDemandSource) UpdateDemandStatus(ctx context.Context, id string, status allocation.DemandStatus, shortage decimal.Decimal) error {
	query := `
		UPDATE demand_lines
		SET status = $2, shortage = $3, version = version + 1, updated_at = $4
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, id, string(status), shortage, time.Now())
	if err != nil {
		return fmt.Errorf("需要ステータス更新に失敗しました: %w", err)
	}
	return requireRow(result, allocation.ErrDemandLineNotFound)
}

var _ allocation.DemandSource = (*PostgresDemandSource)(nil)
