package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cybons-lab/lot-management-system-sub002/pkg/allocation"
)

// MemoryStore is an in-memory implementation of the allocation store for
// tests and examples. A transaction holds the store mutex for its whole
// duration, so transactions are fully serialized; an error from the
// transaction function restores the pre-transaction snapshot.
// テスト・サンプル用のインメモリストア実装
type MemoryStore struct {
	mu           sync.Mutex
	lots         map[string]*allocation.LotReceipt
	reservations map[string]*allocation.LotReservation
	leases       map[string]*allocation.EditLease
	demands      map[string]*memoryDemand
	clock        allocation.Clock
}

type memoryDemand struct {
	line     allocation.DemandLine
	status   allocation.DemandStatus
	shortage decimal.Decimal
	version  int64
}

// NewMemoryStore creates an empty in-memory store
// 空のインメモリストアを作成
func NewMemoryStore(clock allocation.Clock) *MemoryStore {
	if clock == nil {
		clock = allocation.SystemClock{}
	}
	return &MemoryStore{
		lots:         make(map[string]*allocation.LotReceipt),
		reservations: make(map[string]*allocation.LotReservation),
		leases:       make(map[string]*allocation.EditLease),
		demands:      make(map[string]*memoryDemand),
		clock:        clock,
	}
}

// PutLot inserts or replaces a lot receipt (seeding helper)
// ロット受入を登録または置換（シード用）
func (s *MemoryStore) PutLot(lot *allocation.LotReceipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *lot
	if cp.Version == 0 {
		cp.Version = 1
	}
	s.lots[cp.ID] = &cp
}

// PutDemandLine inserts or replaces a demand line (seeding helper)
// 需要明細を登録または置換（シード用）
func (s *MemoryStore) PutDemandLine(line allocation.DemandLine, status allocation.DemandStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == "" {
		status = allocation.DemandPending
	}
	s.demands[line.ID] = &memoryDemand{
		line:     line,
		status:   status,
		shortage: decimal.Zero,
		version:  1,
	}
}

// GetLot retrieves a lot receipt by ID
func (s *MemoryStore) GetLot(ctx context.Context, lotID string) (*allocation.LotReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLotLocked(lotID)
}

func (s *MemoryStore) getLotLocked(lotID string) (*allocation.LotReceipt, error) {
	lot, ok := s.lots[lotID]
	if !ok {
		return nil, allocation.ErrLotNotFound
	}
	cp := *lot
	return &cp, nil
}

// ListLots retrieves lots matching the filter with live reserved sums,
// ordered by lot ID
func (s *MemoryStore) ListLots(ctx context.Context, f allocation.LotFilter) ([]allocation.LotAvailability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLotsLocked(f), nil
}

func (s *MemoryStore) listLotsLocked(f allocation.LotFilter) []allocation.LotAvailability {
	statuses := make(map[allocation.LotStatus]bool)
	if len(f.Statuses) == 0 {
		statuses[allocation.LotStatusActive] = true
	} else {
		for _, st := range f.Statuses {
			statuses[st] = true
		}
	}

	var result []allocation.LotAvailability
	for _, lot := range s.lots {
		if lot.ProductID != f.ProductID {
			continue
		}
		if f.WarehouseID != "" && lot.WarehouseID != f.WarehouseID {
			continue
		}
		if !statuses[lot.Status] {
			continue
		}
		result = append(result, allocation.LotAvailability{
			Lot:         *lot,
			ReservedQty: s.reservedOfLotLocked(lot.ID),
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Lot.ID < result[j].Lot.ID
	})
	return result
}

func (s *MemoryStore) reservedOfLotLocked(lotID string) decimal.Decimal {
	total := decimal.Zero
	for _, r := range s.reservations {
		if r.LotID == lotID && r.Claims() {
			total = total.Add(r.ReservedQty)
		}
	}
	return total
}

// ReservedQtyBySource sums claiming reservations of a demand source
func (s *MemoryStore) ReservedQtyBySource(ctx context.Context, source allocation.SourceType, sourceID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, r := range s.reservations {
		if r.Source == source && r.SourceID == sourceID && r.Claims() {
			total = total.Add(r.ReservedQty)
		}
	}
	return total, nil
}

// AddConsumed increments the consumed quantity of a lot
func (s *MemoryStore) AddConsumed(ctx context.Context, lotID string, qty decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lot, ok := s.lots[lotID]
	if !ok {
		return allocation.ErrLotNotFound
	}
	lot.ConsumedQty = lot.ConsumedQty.Add(qty)
	lot.Version++
	lot.UpdatedAt = s.clock.Now()
	return nil
}

// AddLocked adjusts the frozen portion of a lot
func (s *MemoryStore) AddLocked(ctx context.Context, lotID string, qty decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lot, ok := s.lots[lotID]
	if !ok {
		return allocation.ErrLotNotFound
	}
	next := lot.LockedQty.Add(qty)
	if next.IsNegative() {
		return allocation.NewValidationError("quantity", "凍結数量を負にはできません", qty.String())
	}
	lot.LockedQty = next
	lot.Version++
	lot.UpdatedAt = s.clock.Now()
	return nil
}

// SplitLot carves qty off a lot into a child receipt
func (s *MemoryStore) SplitLot(ctx context.Context, lotID string, qty decimal.Decimal) (*allocation.LotReceipt, error) {
	if !qty.IsPositive() {
		return nil, allocation.NewValidationError("quantity", "分割数量は正の値である必要があります", qty.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.lots[lotID]
	if !ok {
		return nil, allocation.ErrLotNotFound
	}
	available := parent.AvailableWith(s.reservedOfLotLocked(lotID))
	if available.LessThan(qty) {
		return nil, allocation.NewConflictError("lot:"+lotID, "分割数量が利用可能数量を超えています")
	}

	now := s.clock.Now()
	parent.ReceivedQty = parent.ReceivedQty.Sub(qty)
	parent.Version++
	parent.UpdatedAt = now

	child := &allocation.LotReceipt{
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
	s.lots[child.ID] = child
	cp := *child
	return &cp, nil
}

// MarkExpiredLots transitions active lots past their expiry to expired
func (s *MemoryStore) MarkExpiredLots(ctx context.Context, asOf time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, lot := range s.lots {
		if lot.Status != allocation.LotStatusActive || lot.ExpiryDate == nil {
			continue
		}
		if lot.ExpiryDate.Before(asOf) {
			lot.Status = allocation.LotStatusExpired
			lot.Version++
			lot.UpdatedAt = s.clock.Now()
			count++
		}
	}
	return count, nil
}

// GetReservation retrieves a reservation by ID
func (s *MemoryStore) GetReservation(ctx context.Context, id string) (*allocation.LotReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, allocation.ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

// ListReservationsBySource retrieves every reservation of a demand source
func (s *MemoryStore) ListReservationsBySource(ctx context.Context, source allocation.SourceType, sourceID string) ([]allocation.LotReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []allocation.LotReservation
	for _, r := range s.reservations {
		if r.Source == source && r.SourceID == sourceID {
			result = append(result, *r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// WithinTx serializes the transaction under the store mutex. The lot and
// reservation maps are snapshotted first and restored when fn fails, so a
// failed transaction leaves no partial writes.
// ミューテックス下でトランザクションを直列実行（失敗時はスナップショット復元）
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx allocation.AllocationTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lotSnap := make(map[string]*allocation.LotReceipt, len(s.lots))
	for id, lot := range s.lots {
		cp := *lot
		lotSnap[id] = &cp
	}
	resSnap := make(map[string]*allocation.LotReservation, len(s.reservations))
	for id, r := range s.reservations {
		cp := *r
		resSnap[id] = &cp
	}

	if err := fn(&memoryTx{store: s}); err != nil {
		s.lots = lotSnap
		s.reservations = resSnap
		return err
	}
	return nil
}

// Ping always succeeds for the in-memory store
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error { return nil }

// CurrentVersion reads the version counter of an entity
func (s *MemoryStore) CurrentVersion(ctx context.Context, entity, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch entity {
	case "lot":
		lot, ok := s.lots[id]
		if !ok {
			return 0, allocation.ErrLotNotFound
		}
		return lot.Version, nil
	case "demand_line":
		d, ok := s.demands[id]
		if !ok {
			return 0, allocation.ErrDemandLineNotFound
		}
		return d.version, nil
	}
	return 0, allocation.NewValidationError("entity", "無効なエンティティ種別です", entity)
}

// CompareAndIncrement bumps the version only when it equals expected
func (s *MemoryStore) CompareAndIncrement(ctx context.Context, entity, id string, expected int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch entity {
	case "lot":
		lot, ok := s.lots[id]
		if !ok {
			return 0, allocation.ErrLotNotFound
		}
		if lot.Version != expected {
			return 0, allocation.ErrVersionMismatch
		}
		lot.Version++
		lot.UpdatedAt = s.clock.Now()
		return lot.Version, nil
	case "demand_line":
		d, ok := s.demands[id]
		if !ok {
			return 0, allocation.ErrDemandLineNotFound
		}
		if d.version != expected {
			return 0, allocation.ErrVersionMismatch
		}
		d.version++
		return d.version, nil
	}
	return 0, allocation.NewValidationError("entity", "無効なエンティティ種別です", entity)
}

// GetLease retrieves the lease on a resource, or nil when absent
func (s *MemoryStore) GetLease(ctx context.Context, resource string) (*allocation.EditLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[resource]
	if !ok {
		return nil, nil
	}
	cp := *lease
	return &cp, nil
}

// AcquireLease grants or renews the lease. Check and write happen under
// the same lock so two racing holders can never both succeed.
// 判定と書き込みを同一ロック区間で行う
func (s *MemoryStore) AcquireLease(ctx context.Context, resource, holder string, now, expiresAt time.Time) (*allocation.EditLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.leases[resource]
	if ok && existing.Holder != holder && !existing.ExpiredAt(now) {
		return nil, allocation.ErrLeaseHeld
	}

	lease := &allocation.EditLease{
		Resource:   resource,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  expiresAt,
	}
	if ok && existing.Holder == holder {
		// 同一保持者の再取得は取得時刻を引き継いで期限のみ延長
		lease.AcquiredAt = existing.AcquiredAt
	}
	s.leases[resource] = lease
	cp := *lease
	return &cp, nil
}

// DeleteLease removes the lease only when held by holder
func (s *MemoryStore) DeleteLease(ctx context.Context, resource, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[resource]
	if !ok || lease.Holder != holder {
		return false, nil
	}
	delete(s.leases, resource)
	return true, nil
}

// GetDemandLine retrieves a demand line by ID
func (s *MemoryStore) GetDemandLine(ctx context.Context, id string) (*allocation.DemandLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.demands[id]
	if !ok {
		return nil, allocation.ErrDemandLineNotFound
	}
	cp := d.line
	return &cp, nil
}

// ListOpenDemandLines retrieves demand lines still awaiting allocation
func (s *MemoryStore) ListOpenDemandLines(ctx context.Context, f allocation.DemandFilter) ([]allocation.DemandLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lines []allocation.DemandLine
	for _, d := range s.demands {
		if d.status != allocation.DemandPending && d.status != allocation.DemandPartiallyAllocated {
			continue
		}
		if f.Source != "" && d.line.Source != f.Source {
			continue
		}
		if f.ProductID != "" && d.line.ProductID != f.ProductID {
			continue
		}
		if f.WarehouseID != "" && d.line.WarehouseID != f.WarehouseID {
			continue
		}
		lines = append(lines, d.line)
	}
	sort.Slice(lines, func(i, j int) bool {
		if !lines[i].ReferenceDate.Equal(lines[j].ReferenceDate) {
			return lines[i].ReferenceDate.Before(lines[j].ReferenceDate)
		}
		return strings.Compare(lines[i].ID, lines[j].ID) < 0
	})
	if f.Limit > 0 && len(lines) > f.Limit {
		lines = lines[:f.Limit]
	}
	return lines, nil
}

// UpdateDemandStatus writes the allocation outcome back to the demand line
func (s *MemoryStore) UpdateDemandStatus(ctx context.Context, id string, status allocation.DemandStatus, shortage decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.demands[id]
	if !ok {
		return allocation.ErrDemandLineNotFound
	}
	d.status = status
	d.shortage = shortage
	d.version++
	return nil
}

// DemandStatusOf reports the stored status of a demand line (test helper)
// 需要明細の保存済みステータスを返す（テスト用）
func (s *MemoryStore) DemandStatusOf(id string) (allocation.DemandStatus, decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.demands[id]
	if !ok {
		return "", decimal.Zero, false
	}
	return d.status, d.shortage, true
}

// memoryTx operates directly on the store; the store mutex is already
// held for the duration of the transaction
type memoryTx struct {
	store *MemoryStore
}

// LockCandidates returns candidates in ascending lot ID order. Row locks
// are implicit because the whole transaction holds the store mutex.
func (t *memoryTx) LockCandidates(ctx context.Context, f allocation.LotFilter) ([]allocation.LotAvailability, error) {
	return t.store.listLotsLocked(f), nil
}

// LockLot returns a single lot with its reserved sum
func (t *memoryTx) LockLot(ctx context.Context, lotID string) (*allocation.LotAvailability, error) {
	lot, err := t.store.getLotLocked(lotID)
	if err != nil {
		return nil, err
	}
	return &allocation.LotAvailability{
		Lot:         *lot,
		ReservedQty: t.store.reservedOfLotLocked(lotID),
	}, nil
}

// CreateReservation persists a new reservation row
func (t *memoryTx) CreateReservation(ctx context.Context, r *allocation.LotReservation) error {
	if _, exists := t.store.reservations[r.ID]; exists {
		return allocation.NewConflictError("reservation:"+r.ID, "予約は既に存在します")
	}
	cp := *r
	t.store.reservations[cp.ID] = &cp
	return nil
}

// ReleaseReservation transitions a claiming reservation to released
func (t *memoryTx) ReleaseReservation(ctx context.Context, id string) (bool, error) {
	r, ok := t.store.reservations[id]
	if !ok {
		return false, allocation.ErrReservationNotFound
	}
	if !r.Claims() {
		return false, nil
	}
	r.Status = allocation.ReservationReleased
	r.UpdatedAt = t.store.clock.Now()
	return true, nil
}

// ReleaseBySource releases every claiming reservation of a demand source
func (t *memoryTx) ReleaseBySource(ctx context.Context, source allocation.SourceType, sourceID string) (int, error) {
	count := 0
	for _, r := range t.store.reservations {
		if r.Source == source && r.SourceID == sourceID && r.Claims() {
			r.Status = allocation.ReservationReleased
			r.UpdatedAt = t.store.clock.Now()
			count++
		}
	}
	return count, nil
}

// interface guards
var (
	_ allocation.Store        = (*MemoryStore)(nil)
	_ allocation.VersionStore = (*MemoryStore)(nil)
	_ allocation.LeaseStore   = (*MemoryStore)(nil)
	_ allocation.DemandSource = (*MemoryStore)(nil)
	_ allocation.AllocationTx = (*memoryTx)(nil)
)
