package allocation

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BatchOptions controls one batch auto-allocation run
// バッチ自動引当1回分の実行条件
type BatchOptions struct {
	Filter              DemandFilter // 対象需要明細の絞り込み
	Policy              Policy       // 候補並び順（空はFEFO）
	Strategy            Strategy     // 引当戦略（空はfefo）
	AllowPartial        bool         // 部分引当を許可
	SkipAlreadyReserved bool         // 残要求なしの明細をスキップ
	ExcludeExpired      bool         // 期限切れ間近の候補を除外
	SafetyMarginDays    int          // 安全マージン日数
	ExcludeLocked       bool         // 凍結数量を持つ候補を除外
	SkipLockedScan      bool         // 他トランザクションがロック中の行をベストエフォートで読み飛ばす
}

// Orchestrator drives batch auto-allocation over open demand lines.
// It is the one place that catches per-line errors and converts them into
// data; everywhere else typed errors propagate unmodified.
// 未処理需要明細に対するバッチ自動引当のドライバ
type Orchestrator struct {
	selector     *Selector
	reservations *ReservationManager
	store        Store
	demands      DemandSource
	publisher    EventPublisher
	metrics      *Metrics
	clock        Clock
	logger       *zap.Logger
}

// NewOrchestrator creates a new auto-allocation orchestrator
// 新しい自動引当オーケストレータを作成
func NewOrchestrator(selector *Selector, reservations *ReservationManager, store Store, demands DemandSource, publisher EventPublisher, metrics *Metrics, clock Clock, logger *zap.Logger) *Orchestrator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Orchestrator{
		selector:     selector,
		reservations: reservations,
		store:        store,
		demands:      demands,
		publisher:    publisher,
		metrics:      metrics,
		clock:        clock,
		logger:       logger,
	}
}

// AllocateBatch processes every open demand line matched by the filter.
// Each line commits its own transaction, so a failure on line N never
// undoes reservations already committed for earlier lines, and a single
// bad line never aborts the batch.
// フィルタに一致する未処理需要明細をすべて処理する（明細単位で分離）
func (o *Orchestrator) AllocateBatch(ctx context.Context, opts BatchOptions) (*BatchSummary, error) {
	lines, err := o.demands.ListOpenDemandLines(ctx, opts.Filter)
	if err != nil {
		return nil, NewStorageError("list_open_demand_lines", "需要明細一覧取得に失敗しました", err)
	}

	summary := &BatchSummary{
		BatchID:     NewBatchID(),
		FailedLines: make([]FailedLine, 0),
		Lines:       make([]LineResult, 0, len(lines)),
		StartedAt:   o.clock.Now(),
	}

	for _, line := range lines {
		summary.Processed++

		lineResult, err := o.processLine(ctx, line, opts)
		if err != nil {
			// 1明細の失敗はバッチを中断させず、データとして記録して続行する
			summary.FailedLines = append(summary.FailedLines, FailedLine{
				LineID: line.ID,
				Error:  err.Error(),
			})
			summary.Lines = append(summary.Lines, LineResult{
				LineID: line.ID,
				Status: LineFailed,
			})
			if o.metrics != nil {
				o.metrics.AllocationsTotal.WithLabelValues(OutcomeError).Inc()
			}
			o.logger.Warn("需要明細の引当に失敗しました",
				zap.String("line_id", line.ID),
				zap.Error(err),
			)
			continue
		}

		summary.Lines = append(summary.Lines, *lineResult)
		switch lineResult.Status {
		case LineNoResidual:
			summary.SkippedLines++
		case LineReservedNone:
			// 予約を1件も作らなかった明細はreserved_linesに数えない
		default:
			summary.ReservedLines++
			summary.TotalReservationsCreated += lineResult.Reservations
		}
	}

	summary.CompletedAt = o.clock.Now()

	o.logger.Info("バッチ自動引当完了",
		zap.String("batch_id", summary.BatchID),
		zap.Int("processed", summary.Processed),
		zap.Int("reserved_lines", summary.ReservedLines),
		zap.Int("skipped_lines", summary.SkippedLines),
		zap.Int("failed_lines", len(summary.FailedLines)),
		zap.Int("total_reservations", summary.TotalReservationsCreated),
	)

	return summary, nil
}

// Allocate runs the allocation pipeline for one demand line referenced by
// ID: residual computation, locked selection, calculation and reservation
// in a single transaction.
// 需要明細1件に対して単一トランザクションで引当パイプラインを実行
func (o *Orchestrator) Allocate(ctx context.Context, demandRef string, strategy Strategy, allowPartial bool) (*AllocationResult, []LotReservation, error) {
	line, err := o.demands.GetDemandLine(ctx, demandRef)
	if err != nil {
		return nil, nil, err
	}
	if err := ValidateDemandLine(line); err != nil {
		return nil, nil, err
	}

	opts := BatchOptions{
		Strategy:            strategy,
		AllowPartial:        allowPartial,
		SkipAlreadyReserved: true,
		ExcludeExpired:      true,
	}

	result, reservations, err := o.allocateLine(ctx, *line, opts)
	if err != nil {
		return nil, nil, err
	}
	return result, reservations, nil
}

// processLine evaluates residual demand and allocates it, then writes the
// resulting status back through the owning subsystem.
// 残要求を評価して引当を行い、結果ステータスを需要元へ書き戻す
func (o *Orchestrator) processLine(ctx context.Context, line DemandLine, opts BatchOptions) (*LineResult, error) {
	if err := ValidateDemandLine(&line); err != nil {
		return nil, err
	}

	already, err := o.store.ReservedQtyBySource(ctx, line.Source, line.ID)
	if err != nil {
		return nil, NewStorageError("reserved_qty_by_source", "既存予約数量の取得に失敗しました", err)
	}

	residual := line.Quantity.Sub(already)
	if !residual.IsPositive() && opts.SkipAlreadyReserved {
		// 既予約で賄えているためストアに触れず遷移
		return &LineResult{
			LineID:       line.ID,
			Status:       LineNoResidual,
			AllocatedQty: decimal.Zero,
			Shortage:     decimal.Zero,
		}, nil
	}

	result, reservations, err := o.allocateLineResidual(ctx, line, residual, opts)
	if err != nil {
		return nil, err
	}

	lineResult := &LineResult{
		LineID:       line.ID,
		AllocatedQty: result.TotalAllocated,
		Shortage:     result.Shortage,
		Reservations: len(reservations),
	}

	var status DemandStatus
	if result.Shortage.IsZero() {
		lineResult.Status = LineReservedFull
		status = DemandAllocated
		if o.metrics != nil {
			o.metrics.AllocationsTotal.WithLabelValues(OutcomeFull).Inc()
		}
	} else if result.TotalAllocated.IsPositive() {
		lineResult.Status = LineReservedPartial
		status = DemandPartiallyAllocated
		if o.metrics != nil {
			o.metrics.AllocationsTotal.WithLabelValues(OutcomePartial).Inc()
		}
	} else {
		lineResult.Status = LineReservedNone
		status = DemandPending
		if o.metrics != nil {
			o.metrics.AllocationsTotal.WithLabelValues(OutcomeNone).Inc()
		}
	}

	if result.Shortage.IsPositive() {
		o.noteShortage(ctx, line, result.Shortage)
	}

	// ステータス書き戻しの失敗は予約自体を巻き戻さない（予約は確定済み）
	if err := o.demands.UpdateDemandStatus(ctx, line.ID, status, result.Shortage); err != nil {
		o.logger.Warn("需要ステータス更新に失敗しました",
			zap.String("line_id", line.ID),
			zap.Error(err),
		)
	}

	return lineResult, nil
}

// allocateLine allocates the full residual of one line
func (o *Orchestrator) allocateLine(ctx context.Context, line DemandLine, opts BatchOptions) (*AllocationResult, []LotReservation, error) {
	already, err := o.store.ReservedQtyBySource(ctx, line.Source, line.ID)
	if err != nil {
		return nil, nil, NewStorageError("reserved_qty_by_source", "既存予約数量の取得に失敗しました", err)
	}

	residual := line.Quantity.Sub(already)
	if !residual.IsPositive() {
		return &AllocationResult{
			Allocated:      []AllocationDecision{},
			Trace:          []AllocationDecision{},
			TotalAllocated: decimal.Zero,
			Shortage:       decimal.Zero,
		}, nil, nil
	}

	return o.allocateLineResidual(ctx, line, residual, opts)
}

// allocateLineResidual runs lock, calculate and reserve for the residual
// only, never re-reserving the already-reserved portion. The whole
// sequence is one transaction: a caller abort rolls everything back.
// 残要求分のみをロック・計算・予約する（全体が1トランザクション）
func (o *Orchestrator) allocateLineResidual(ctx context.Context, line DemandLine, residual decimal.Decimal, opts BatchOptions) (*AllocationResult, []LotReservation, error) {
	started := o.clock.Now()

	demand := Demand{
		RequiredQty:   residual,
		ReferenceDate: line.ReferenceDate,
		AllowPartial:  opts.AllowPartial,
		Strategy:      opts.Strategy,
	}
	if demand.ReferenceDate.IsZero() {
		demand.ReferenceDate = o.clock.Now()
	}

	selectOpts := SelectOptions{
		ProductID:        line.ProductID,
		WarehouseID:      line.WarehouseID,
		Policy:           opts.Policy,
		ExcludeExpired:   opts.ExcludeExpired,
		SafetyMarginDays: opts.SafetyMarginDays,
		ExcludeLocked:    opts.ExcludeLocked,
		SkipLocked:       opts.SkipLockedScan,
	}

	var result *AllocationResult
	var reservations []LotReservation
	err := o.store.WithinTx(ctx, func(tx AllocationTx) error {
		candidates, txErr := o.selector.SelectForUpdate(ctx, tx, selectOpts)
		if txErr != nil {
			return txErr
		}

		result, txErr = Calculate(demand, candidates)
		if txErr != nil {
			return txErr
		}

		if len(result.Allocated) == 0 {
			return nil
		}

		reservations, txErr = o.reservations.ReserveInTx(ctx, tx, line.Source, line.ID, result.Allocated)
		return txErr
	})
	if err != nil {
		return nil, nil, err
	}

	if o.metrics != nil {
		o.metrics.AllocationDuration.Observe(o.clock.Now().Sub(started).Seconds())
	}

	o.logger.Info("需要明細の引当完了",
		zap.String("line_id", line.ID),
		zap.String("product_id", line.ProductID),
		zap.String("required", residual.String()),
		zap.String("allocated", result.TotalAllocated.String()),
		zap.String("shortage", result.Shortage.String()),
		zap.Int("reservations", len(reservations)),
	)

	return result, reservations, nil
}

func (o *Orchestrator) noteShortage(ctx context.Context, line DemandLine, shortage decimal.Decimal) {
	if o.metrics != nil {
		o.metrics.ShortagesDetected.Inc()
	}
	if o.publisher == nil {
		return
	}
	event := ShortageDetectedEvent{
		Source:    line.Source,
		SourceID:  line.ID,
		ProductID: line.ProductID,
		Shortage:  shortage,
		Timestamp: o.clock.Now(),
	}
	if err := o.publisher.PublishShortageDetected(ctx, event); err != nil {
		o.logger.Error("不足検出イベント発行に失敗しました", zap.Error(err))
	}
}
