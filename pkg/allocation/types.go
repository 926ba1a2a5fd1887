// Package allocation provides the lot allocation and reservation engine
package allocation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LotStatus defines the lifecycle state of a lot receipt
// ロット受入のライフサイクル状態を定義
type LotStatus string

const (
	LotStatusActive     LotStatus = "active"     // 引当可能
	LotStatusDepleted   LotStatus = "depleted"   // 在庫払い出し済み
	LotStatusExpired    LotStatus = "expired"    // 期限切れ
	LotStatusQuarantine LotStatus = "quarantine" // 検疫中
	LotStatusLocked     LotStatus = "locked"     // 手動凍結
	LotStatusArchived   LotStatus = "archived"   // アーカイブ済み
)

// OriginType defines how a lot entered the warehouse
// ロットの入庫起源を定義
type OriginType string

const (
	OriginOrder       OriginType = "order"        // 受注
	OriginForecast    OriginType = "forecast"     // 内示
	OriginSample      OriginType = "sample"       // サンプル
	OriginSafetyStock OriginType = "safety_stock" // 安全在庫
	OriginAdhoc       OriginType = "adhoc"        // 臨時
)

// SourceType identifies which kind of demand a reservation belongs to
// 予約の需要元種別を識別
type SourceType string

const (
	SourceOrder    SourceType = "order"    // 受注明細
	SourceForecast SourceType = "forecast" // 内示バケット
	SourceManual   SourceType = "manual"   // 手動引当
)

// ReservationStatus defines the lifecycle state of a reservation
// 予約のライフサイクル状態を定義
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"    // 有効
	ReservationConfirmed ReservationStatus = "confirmed" // 出荷確定
	ReservationReleased  ReservationStatus = "released"  // 解除済み（監査用に保持）
)

// Policy defines the candidate ordering policy
// 候補の並び順ポリシーを定義
type Policy string

const (
	PolicyFEFO Policy = "FEFO" // 期限先出し
	PolicyFIFO Policy = "FIFO" // 先入先出し
)

// Strategy defines how the calculator adopts candidates
// 引当計算の戦略を定義
type Strategy string

const (
	StrategyFEFO         Strategy = "fefo"           // 期限順に分割引当（デフォルト）
	StrategySingleLotFit Strategy = "single_lot_fit" // 単一ロットで全量を賄う
)

// DecisionKind marks whether a candidate was adopted or rejected
// 候補ロットの採否を表現
type DecisionKind string

const (
	DecisionAdopted  DecisionKind = "adopted"  // 採用
	DecisionRejected DecisionKind = "rejected" // 不採用
)

// Reason classifications recorded in the allocation trace.
// 引当トレースに記録される理由の分類
const (
	ReasonExpired            = "expired"
	ReasonInsufficientStock  = "insufficient stock"
	ReasonFullCoverage       = "full coverage"
	ReasonPartialCoverage    = "partial coverage"
	ReasonPartialNotAllowed  = "insufficient stock, partial not allowed"
	ReasonSingleLotCoverage  = "single lot full coverage"
	ReasonNoEligibleLot      = "no eligible lot"
)

// DemandStatus is the status written back to the owning demand subsystem
// 需要元サブシステムへ書き戻すステータス
type DemandStatus string

const (
	DemandPending            DemandStatus = "pending"
	DemandAllocated          DemandStatus = "allocated"
	DemandPartiallyAllocated DemandStatus = "partially_allocated"
	DemandOnHold             DemandStatus = "on_hold"
	DemandCancelled          DemandStatus = "cancelled"
)

// LotReceipt represents one physical receipt of a product into a warehouse
// 倉庫への製品の物理的な受入1件を表現
type LotReceipt struct {
	ID           string          `json:"id" db:"id"`                         // ロットID
	ProductID    string          `json:"product_id" db:"product_id"`         // 製品ID
	WarehouseID  string          `json:"warehouse_id" db:"warehouse_id"`     // 倉庫ID
	SupplierID   string          `json:"supplier_id" db:"supplier_id"`       // 仕入先ID
	LotMasterKey string          `json:"lot_master_key" db:"lot_master_key"` // ロットマスタキー
	LotNumber    string          `json:"lot_number" db:"lot_number"`         // ロット番号
	ReceivedDate time.Time       `json:"received_date" db:"received_date"`   // 受入日
	ExpiryDate   *time.Time      `json:"expiry_date" db:"expiry_date"`       // 有効期限（任意）
	ReceivedQty  decimal.Decimal `json:"received_qty" db:"received_qty"`     // 受入数量（確定後は不変）
	ConsumedQty  decimal.Decimal `json:"consumed_qty" db:"consumed_qty"`     // 消費数量（単調増加）
	LockedQty    decimal.Decimal `json:"locked_qty" db:"locked_qty"`         // 凍結数量
	Status       LotStatus       `json:"status" db:"status"`                 // ステータス
	Origin       OriginType      `json:"origin_type" db:"origin_type"`       // 入庫起源（空は通常扱い）
	Version      int64           `json:"version" db:"version"`               // 楽観的ロック用バージョン
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`         // 作成日時
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`         // 更新日時
}

// Remaining returns the physically remaining quantity of the lot
// ロットの物理残量を返す
func (l *LotReceipt) Remaining() decimal.Decimal {
	remaining := l.ReceivedQty.Sub(l.ConsumedQty)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// AvailableWith computes available quantity given the live reserved sum.
// Available is always derived, never stored: remaining - locked - reserved.
// 予約合計を与えて利用可能数量を計算（常に導出値であり保存しない）
func (l *LotReceipt) AvailableWith(reserved decimal.Decimal) decimal.Decimal {
	available := l.Remaining().Sub(l.LockedQty).Sub(reserved)
	if available.IsNegative() {
		return decimal.Zero
	}
	return available
}

// IsExpiredAt checks expiry against an injected reference date
// 注入された基準日に対して期限切れかチェック
func (l *LotReceipt) IsExpiredAt(ref time.Time) bool {
	return expiredBefore(l.ExpiryDate, ref)
}

// expiredBefore reports whether expiry falls before the date portion of
// ref. A nil expiry never expires.
func expiredBefore(expiry *time.Time, ref time.Time) bool {
	if expiry == nil {
		return false
	}
	return expiry.Before(truncateToDate(ref))
}

// LotReservation represents a durable claim against a specific lot
// 特定ロットに対する永続的な予約を表現
type LotReservation struct {
	ID          string            `json:"id" db:"id"`                     // 予約ID
	LotID       string            `json:"lot_id" db:"lot_id"`             // ロットID
	Source      SourceType        `json:"source_type" db:"source_type"`   // 需要元種別
	SourceID    string            `json:"source_id" db:"source_id"`       // 需要元ID
	ReservedQty decimal.Decimal   `json:"reserved_qty" db:"reserved_qty"` // 予約数量
	Status      ReservationStatus `json:"status" db:"status"`             // ステータス
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`     // 作成日時
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`     // 更新日時
}

// Claims reports whether the reservation still claims stock
// 予約がまだ在庫を拘束しているかを返す
func (r *LotReservation) Claims() bool {
	return r.Status == ReservationActive || r.Status == ReservationConfirmed
}

// CandidateLot is one selector output row, ordered by policy
// セレクタ出力の候補ロット1行（ポリシー順）
type CandidateLot struct {
	LotID        string          `json:"lot_id"`        // ロットID
	LotNumber    string          `json:"lot_number"`    // ロット番号
	AvailableQty decimal.Decimal `json:"available_qty"` // ロック取得後に導出した利用可能数量
	ExpiryDate   *time.Time      `json:"expiry_date"`   // 有効期限
	ReceiptDate  time.Time       `json:"receipt_date"`  // 受入日
}

// IsExpiredAt checks expiry against an injected reference date
func (c *CandidateLot) IsExpiredAt(ref time.Time) bool {
	return expiredBefore(c.ExpiryDate, ref)
}

// AllocationDecision is one row of the calculator's output
// 引当計算出力の1行
type AllocationDecision struct {
	LotID        string          `json:"lot_id"`        // ロットID（合成行では空）
	LotNumber    string          `json:"lot_number"`    // ロット番号
	Priority     int             `json:"priority"`      // セレクタ順位（1始まり）
	Decision     DecisionKind    `json:"decision"`      // 採否
	Reason       string          `json:"reason"`        // 理由分類
	AllocatedQty decimal.Decimal `json:"allocated_qty"` // 引当数量
}

// Demand is the calculator's input requirement
// 引当計算への需要入力
type Demand struct {
	RequiredQty   decimal.Decimal `json:"required_qty"`   // 要求数量
	ReferenceDate time.Time       `json:"reference_date"` // 期限判定の基準日
	AllowPartial  bool            `json:"allow_partial"`  // 部分引当を許可
	Strategy      Strategy        `json:"strategy"`       // 引当戦略
}

// AllocationResult is the calculator's complete output.
// Invariant: TotalAllocated + Shortage == demand.RequiredQty, decimal-exact.
// 引当計算の完全な出力（TotalAllocated + Shortage == 要求数量が常に成立）
type AllocationResult struct {
	Allocated      []AllocationDecision `json:"allocated"`       // 採用された決定のみ
	Trace          []AllocationDecision `json:"trace"`           // 採用・不採用を含む全トレース
	TotalAllocated decimal.Decimal      `json:"total_allocated"` // 引当合計
	Shortage       decimal.Decimal      `json:"shortage"`        // 不足数量（エラーではなく通常の出力）
}

// DemandLine is a demand read from the owning subsystem
// 需要元サブシステムから読み取る需要明細
type DemandLine struct {
	ID            string          `json:"id"`             // 需要明細ID
	Source        SourceType      `json:"source_type"`    // 需要元種別
	ProductID     string          `json:"product_id"`     // 製品ID
	WarehouseID   string          `json:"warehouse_id"`   // 倉庫制約（空は無指定）
	Quantity      decimal.Decimal `json:"quantity"`       // 需要数量
	ReferenceDate time.Time       `json:"reference_date"` // 基準日
}

// LineStatus is the per-line outcome of batch auto-allocation
// バッチ自動引当の明細ごとの結果状態
type LineStatus string

const (
	LineNoResidual      LineStatus = "no_residual"      // 残要求なしでスキップ
	LineReservedFull    LineStatus = "reserved_full"    // 全量予約
	LineReservedPartial LineStatus = "reserved_partial" // 部分予約
	LineReservedNone    LineStatus = "reserved_none"    // 引当可能在庫なし（予約ゼロ）
	LineFailed          LineStatus = "failed"           // 失敗
)

// LineResult records one processed demand line
// 処理済み需要明細1件の結果を記録
type LineResult struct {
	LineID       string          `json:"line_id"`       // 需要明細ID
	Status       LineStatus      `json:"status"`        // 結果状態
	AllocatedQty decimal.Decimal `json:"allocated_qty"` // 今回の引当数量
	Shortage     decimal.Decimal `json:"shortage"`      // 不足数量
	Reservations int             `json:"reservations"`  // 作成した予約件数
}

// FailedLine records one demand line whose processing raised an error
// 処理中にエラーとなった需要明細を記録
type FailedLine struct {
	LineID string `json:"line_id"` // 需要明細ID
	Error  string `json:"error"`   // エラーメッセージ
}

// BatchSummary aggregates a batch auto-allocation run
// バッチ自動引当の実行結果を集計
type BatchSummary struct {
	BatchID                  string       `json:"batch_id"`                   // バッチID
	Processed                int          `json:"processed"`                  // 処理明細数
	ReservedLines            int          `json:"reserved_lines"`             // 予約を作成した明細数
	SkippedLines             int          `json:"skipped_lines"`              // スキップした明細数
	TotalReservationsCreated int          `json:"total_reservations_created"` // 作成した予約総数
	FailedLines              []FailedLine `json:"failed_lines"`               // 失敗明細
	Lines                    []LineResult `json:"lines"`                      // 明細ごとの結果
	StartedAt                time.Time    `json:"started_at"`                 // 開始日時
	CompletedAt              time.Time    `json:"completed_at"`               // 完了日時
}

// EditLease is a short-lived collaborative edit lock on a resource
// リソースに対する短期の共同編集ロック
type EditLease struct {
	Resource   string    `json:"resource" db:"resource"`       // 対象リソースキー
	Holder     string    `json:"holder" db:"holder"`           // 保持者
	AcquiredAt time.Time `json:"acquired_at" db:"acquired_at"` // 取得日時
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`   // 失効日時
}

// ExpiredAt checks whether the lease has lapsed at the given time
// 指定時刻でリースが失効しているかチェック
func (l *EditLease) ExpiredAt(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// NewReservationID generates a new reservation ID
// 新しい予約IDを生成
func NewReservationID() string {
	return uuid.New().String()
}

// NewBatchID generates a new batch run ID
// 新しいバッチ実行IDを生成
func NewBatchID() string {
	return uuid.New().String()
}

// NewLotID generates a new lot ID (used by lot split)
// 新しいロットIDを生成（ロット分割で使用）
func NewLotID() string {
	return uuid.New().String()
}

// truncateToDate drops the time-of-day portion for date comparisons
// 日付比較のために時刻部分を切り捨てる
func truncateToDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
