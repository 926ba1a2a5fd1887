package allocation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LotFilter narrows a lot read to the rows eligible for selection
// 選択対象のロット行を絞り込む条件
type LotFilter struct {
	ProductID   string      // 製品ID（必須）
	WarehouseID string      // 倉庫ID（空は全倉庫）
	Statuses    []LotStatus // 対象ステータス（空は active のみ）
	SkipLocked  bool        // バッチ走査向けのベストエフォートSKIP LOCKED
}

// LotAvailability pairs a lot with its live reserved sum, both read in the
// same transaction so availability is never derived from a stale summary.
// ロットと予約合計を同一トランザクションの読み取りで対にする
type LotAvailability struct {
	Lot         LotReceipt      // ロット
	ReservedQty decimal.Decimal // 有効予約の合計（読み取り時導出）
}

// Available returns the canonical derived availability of the pair
// 正準の導出式による利用可能数量を返す
func (a *LotAvailability) Available() decimal.Decimal {
	return a.Lot.AvailableWith(a.ReservedQty)
}

// LotStore is the persistence boundary for lot receipts
// ロット受入の永続化境界
type LotStore interface {
	GetLot(ctx context.Context, lotID string) (*LotReceipt, error)
	// ListLots returns lots with reserved sums derived at read time, ordered by lot ID
	ListLots(ctx context.Context, f LotFilter) ([]LotAvailability, error)
	// ReservedQtyBySource sums active/confirmed reservations for a demand source
	ReservedQtyBySource(ctx context.Context, source SourceType, sourceID string) (decimal.Decimal, error)
	// AddConsumed increments consumed_quantity (confirmed withdrawal/shipment only)
	AddConsumed(ctx context.Context, lotID string, qty decimal.Decimal) error
	// AddLocked adjusts the manually frozen portion (negative qty unfreezes)
	AddLocked(ctx context.Context, lotID string, qty decimal.Decimal) error
	// SplitLot carves qty off a lot into a child receipt under the same lot master
	SplitLot(ctx context.Context, lotID string, qty decimal.Decimal) (*LotReceipt, error)
	// MarkExpiredLots transitions active lots past their expiry to expired
	MarkExpiredLots(ctx context.Context, asOf time.Time) (int64, error)
}

// ReservationStore exposes read access to reservation rows
// 予約行への読み取りアクセス
type ReservationStore interface {
	GetReservation(ctx context.Context, id string) (*LotReservation, error)
	ListReservationsBySource(ctx context.Context, source SourceType, sourceID string) ([]LotReservation, error)
}

// AllocationTx is the set of operations available inside one allocation
// transaction. Row locks taken by Lock* calls are held until the enclosing
// WithinTx function returns.
// 1つの引当トランザクション内で利用できる操作群
type AllocationTx interface {
	// LockCandidates locks candidate rows with FOR UPDATE in ascending lot ID
	// order (the deterministic lock order that prevents cross-transaction
	// deadlock) and returns them with in-transaction reserved sums.
	LockCandidates(ctx context.Context, f LotFilter) ([]LotAvailability, error)
	// LockLot locks a single lot row and returns it with its reserved sum
	LockLot(ctx context.Context, lotID string) (*LotAvailability, error)
	// CreateReservation persists a new reservation row
	CreateReservation(ctx context.Context, r *LotReservation) error
	// ReleaseReservation transitions active/confirmed to released.
	// Returns false when the reservation was already released.
	ReleaseReservation(ctx context.Context, id string) (bool, error)
	// ReleaseBySource releases every claiming reservation of a demand source
	ReleaseBySource(ctx context.Context, source SourceType, sourceID string) (int, error)
}

// TxRunner runs fn inside one storage transaction. An error from fn rolls
// the whole transaction back; partial reservation writes are never left
// committed.
// fnを1つのストレージトランザクション内で実行する
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(tx AllocationTx) error) error
}

// Store aggregates everything the engine needs from persistence
// エンジンが永続化層に求めるすべてを集約
type Store interface {
	LotStore
	ReservationStore
	TxRunner

	Ping(ctx context.Context) error
	Close() error
}

// VersionStore backs the optimistic version guard. CompareAndIncrement is
// an atomic compare-and-swap at the storage boundary.
// 楽観的バージョンガードを支えるストア
type VersionStore interface {
	CurrentVersion(ctx context.Context, entity, id string) (int64, error)
	// CompareAndIncrement bumps the version only when it equals expected,
	// returning the new version, or ErrVersionMismatch on a failed compare.
	CompareAndIncrement(ctx context.Context, entity, id string, expected int64) (int64, error)
}

// LeaseStore persists collaborative edit leases
// 共同編集リースを永続化
type LeaseStore interface {
	GetLease(ctx context.Context, resource string) (*EditLease, error)
	// AcquireLease atomically grants or renews the lease in one step.
	// It returns ErrLeaseHeld while another holder's lease is still
	// live at now; check and write must not be separated.
	AcquireLease(ctx context.Context, resource, holder string, now, expiresAt time.Time) (*EditLease, error)
	// DeleteLease removes the lease only when held by holder
	DeleteLease(ctx context.Context, resource, holder string) (bool, error)
}

// DemandFilter scopes a batch run to a subset of open demand lines
// バッチ実行対象の需要明細を絞り込む条件
type DemandFilter struct {
	Source      SourceType // 需要元種別（空は全種別）
	ProductID   string     // 製品ID（空は全製品）
	WarehouseID string     // 倉庫ID（空は全倉庫）
	Limit       int        // 取得上限（0は無制限）
}

// DemandSource is the owning subsystem of demand lines. The core reads
// demand quantities through it and writes status back through it, never by
// mutating fields the core does not own.
// 需要明細を所有する外部サブシステムへのインターフェース
type DemandSource interface {
	GetDemandLine(ctx context.Context, id string) (*DemandLine, error)
	ListOpenDemandLines(ctx context.Context, f DemandFilter) ([]DemandLine, error)
	UpdateDemandStatus(ctx context.Context, id string, status DemandStatus, shortage decimal.Decimal) error
}

// Clock supplies the current time. The core never reads the system clock
// directly, so expiry comparisons are reproducible in tests.
// 現在時刻の供給源（コアはシステムクロックを直接参照しない）
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock
// 本番用クロック
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant, for tests
// テスト用の固定クロック
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }

// EventPublisher defines interface for publishing allocation events
// 引当イベント発行のインターフェースを定義
type EventPublisher interface {
	PublishReservationCreated(ctx context.Context, event ReservationCreatedEvent) error
	PublishReservationReleased(ctx context.Context, event ReservationReleasedEvent) error
	PublishShortageDetected(ctx context.Context, event ShortageDetectedEvent) error
}

// ReservationCreatedEvent represents a newly committed reservation
// 予約作成イベントを表現
type ReservationCreatedEvent struct {
	ReservationID string          `json:"reservation_id"`
	LotID         string          `json:"lot_id"`
	Source        SourceType      `json:"source_type"`
	SourceID      string          `json:"source_id"`
	ReservedQty   decimal.Decimal `json:"reserved_qty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ReservationReleasedEvent represents a released reservation
// 予約解除イベントを表現
type ReservationReleasedEvent struct {
	ReservationID string    `json:"reservation_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// ShortageDetectedEvent represents a demand that could not be fully covered
// 全量を賄えなかった需要を表現
type ShortageDetectedEvent struct {
	Source    SourceType      `json:"source_type"`
	SourceID  string          `json:"source_id"`
	ProductID string          `json:"product_id"`
	Shortage  decimal.Decimal `json:"shortage"`
	Timestamp time.Time       `json:"timestamp"`
}
