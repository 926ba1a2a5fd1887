package allocation

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SelectOptions controls candidate filtering and ordering
// 候補ロットの絞り込みと並び順を制御
type SelectOptions struct {
	ProductID        string          // 製品ID（必須）
	WarehouseID      string          // 倉庫ID（空は全倉庫）
	Policy           Policy          // 並び順ポリシー（空はFEFO）
	ExcludeExpired   bool            // 期限切れ間近を除外
	SafetyMarginDays int             // 安全マージン日数（ExcludeExpired時）
	ExcludeLocked    bool            // 凍結数量を持つロットを除外
	IncludeSample    bool            // サンプル起源を含める
	IncludeAdhoc     bool            // 臨時起源を含める
	MinAvailableQty  decimal.Decimal // この値以下の利用可能数量は除外
	SkipLocked       bool            // ロック走査でSKIP LOCKEDを使用（Tx経由のみ）
}

// Selector queries the lot store and produces an ordered candidate list
// ロットストアを照会して順序付き候補リストを生成
type Selector struct {
	store  Store
	clock  Clock
	logger *zap.Logger
}

// NewSelector creates a new candidate selector
// 新しい候補セレクタを作成
func NewSelector(store Store, clock Clock, logger *zap.Logger) *Selector {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Selector{
		store:  store,
		clock:  clock,
		logger: logger,
	}
}

// Select reads candidates without locking. Used by read-only preview paths;
// allocation paths must use SelectForUpdate inside a transaction instead.
// ロックなしで候補を読み取る（プレビュー用途。引当はSelectForUpdateを使用）
func (s *Selector) Select(ctx context.Context, opts SelectOptions) ([]CandidateLot, error) {
	if err := s.validate(opts); err != nil {
		return nil, err
	}

	rows, err := s.store.ListLots(ctx, s.filter(opts))
	if err != nil {
		return nil, NewStorageError("list_lots", "ロット一覧取得に失敗しました", err)
	}

	candidates := s.build(rows, opts)

	s.logger.Debug("候補選択完了",
		zap.String("product_id", opts.ProductID),
		zap.String("policy", string(s.policy(opts))),
		zap.Int("scanned", len(rows)),
		zap.Int("candidates", len(candidates)),
	)

	return candidates, nil
}

// SelectForUpdate locks every eligible row for the duration of the caller's
// transaction before deriving availability, so two concurrent allocation
// attempts for the same product cannot both read the same stale quantity.
// 呼び出し側トランザクションの間、候補行を排他ロックしてから利用可能数量を導出
func (s *Selector) SelectForUpdate(ctx context.Context, tx AllocationTx, opts SelectOptions) ([]CandidateLot, error) {
	if err := s.validate(opts); err != nil {
		return nil, err
	}

	rows, err := tx.LockCandidates(ctx, s.filter(opts))
	if err != nil {
		return nil, NewStorageError("lock_candidates", "候補ロットのロック取得に失敗しました", err)
	}

	return s.build(rows, opts), nil
}

func (s *Selector) validate(opts SelectOptions) error {
	if opts.ProductID == "" {
		return NewValidationError("product_id", "製品IDが指定されていません", "")
	}
	if opts.SafetyMarginDays < 0 {
		return NewValidationError("safety_margin_days", "安全マージン日数は0以上である必要があります", "")
	}
	switch opts.Policy {
	case "", PolicyFEFO, PolicyFIFO:
	default:
		return NewValidationError("policy", "未知の並び順ポリシーです", string(opts.Policy))
	}
	return nil
}

func (s *Selector) filter(opts SelectOptions) LotFilter {
	return LotFilter{
		ProductID:   opts.ProductID,
		WarehouseID: opts.WarehouseID,
		Statuses:    []LotStatus{LotStatusActive},
		SkipLocked:  opts.SkipLocked,
	}
}

func (s *Selector) policy(opts SelectOptions) Policy {
	if opts.Policy == "" {
		return PolicyFEFO
	}
	return opts.Policy
}

// build applies exclusion rules in the fixed order (origin, expiry, locked,
// availability) and orders the survivors by policy.
// 除外規則を一定順序で適用し、ポリシー順に並べる
func (s *Selector) build(rows []LotAvailability, opts SelectOptions) []CandidateLot {
	today := truncateToDate(s.clock.Now())
	expiryCutoff := today.AddDate(0, 0, opts.SafetyMarginDays)

	eligible := make([]LotAvailability, 0, len(rows))
	for _, row := range rows {
		lot := row.Lot

		// 起源による除外（起源未記録のロットは通常扱いで含める）
		if lot.Origin == OriginSample && !opts.IncludeSample {
			continue
		}
		if lot.Origin == OriginAdhoc && !opts.IncludeAdhoc {
			continue
		}

		// 期限による除外（期限なしロットは常に通過）
		if opts.ExcludeExpired && lot.IsExpiredAt(expiryCutoff) {
			continue
		}

		// 凍結数量による除外
		if opts.ExcludeLocked && lot.LockedQty.IsPositive() {
			continue
		}

		eligible = append(eligible, row)
	}

	s.order(eligible, s.policy(opts))

	candidates := make([]CandidateLot, 0, len(eligible))
	for _, row := range eligible {
		available := row.Available()
		// 利用可能数量の判定はロック取得後でなければ意味を持たない
		if available.LessThanOrEqual(opts.MinAvailableQty) {
			continue
		}
		candidates = append(candidates, CandidateLot{
			LotID:        row.Lot.ID,
			LotNumber:    row.Lot.LotNumber,
			AvailableQty: available,
			ExpiryDate:   row.Lot.ExpiryDate,
			ReceiptDate:  row.Lot.ReceivedDate,
		})
	}

	return candidates
}

// order sorts in place. FEFO: expiry ascending with nil expiry last, then
// receipt date, then lot ID. FIFO: receipt date, then lot ID. The lot ID
// tie-break doubles as the deterministic lock-acquisition order.
// ポリシー順にソート（ロットIDの最終タイブレークがロック取得順を兼ねる）
func (s *Selector) order(rows []LotAvailability, policy Policy) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].Lot, rows[j].Lot

		if policy == PolicyFEFO {
			switch {
			case a.ExpiryDate == nil && b.ExpiryDate == nil:
				// 期限なし同士は受入日で比較
			case a.ExpiryDate == nil:
				return false
			case b.ExpiryDate == nil:
				return true
			case !a.ExpiryDate.Equal(*b.ExpiryDate):
				return a.ExpiryDate.Before(*b.ExpiryDate)
			}
		}

		if !a.ReceivedDate.Equal(b.ReceivedDate) {
			return a.ReceivedDate.Before(b.ReceivedDate)
		}
		return a.ID < b.ID
	})
}
