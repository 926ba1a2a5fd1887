package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// VersionGuard implements optimistic concurrency control over entity
// version counters. A stale snapshot is rejected, never silently merged.
// バージョンカウンタによる楽観的排他制御（古いスナップショットは拒否）
type VersionGuard struct {
	store  VersionStore
	logger *zap.Logger
}

// NewVersionGuard creates a new version guard
// 新しいバージョンガードを作成
func NewVersionGuard(store VersionStore, logger *zap.Logger) *VersionGuard {
	return &VersionGuard{
		store:  store,
		logger: logger,
	}
}

// Check compares the caller's snapshot version against the stored one.
// A mismatch in either direction is a conflict: a lower snapshot means
// someone else saved first, a higher one means the caller's state is
// inconsistent with the store.
// 呼び出し側のスナップショット版数を保存済み版数と比較する
func (g *VersionGuard) Check(ctx context.Context, entity, id string, snapshot int64) error {
	current, err := g.store.CurrentVersion(ctx, entity, id)
	if err != nil {
		return err
	}
	if current != snapshot {
		g.logger.Warn("バージョン競合を検出しました",
			zap.String("entity", entity),
			zap.String("id", id),
			zap.Int64("snapshot", snapshot),
			zap.Int64("current", current),
		)
		return NewVersionConflict(fmt.Sprintf("%s:%s", entity, id), snapshot, current)
	}
	return nil
}

// Bump atomically increments the version if and only if it still equals
// the snapshot. Returns the new version on success.
// 版数がスナップショットと一致する場合のみアトミックに加算
func (g *VersionGuard) Bump(ctx context.Context, entity, id string, snapshot int64) (int64, error) {
	next, err := g.store.CompareAndIncrement(ctx, entity, id, snapshot)
	if err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			current, cErr := g.store.CurrentVersion(ctx, entity, id)
			if cErr != nil {
				current = -1
			}
			return 0, NewVersionConflict(fmt.Sprintf("%s:%s", entity, id), snapshot, current)
		}
		return 0, err
	}
	return next, nil
}

// LeaseManager hands out short-lived edit leases so concurrent editors
// discover each other before they collide on a version check.
// 編集衝突を版数検査より前に検出するための短期編集リース管理
type LeaseManager struct {
	store  LeaseStore
	clock  Clock
	ttl    time.Duration
	logger *zap.Logger
}

// NewLeaseManager creates a new lease manager. ttl <= 0 falls back to
// five minutes.
// 新しいリースマネージャを作成（ttlが0以下の場合は5分）
func NewLeaseManager(store LeaseStore, clock Clock, ttl time.Duration, logger *zap.Logger) *LeaseManager {
	if clock == nil {
		clock = SystemClock{}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &LeaseManager{
		store:  store,
		clock:  clock,
		ttl:    ttl,
		logger: logger,
	}
}

// Acquire grants or renews the lease on a resource. The same holder
// re-acquiring extends the expiry; a different holder is rejected while
// the lease is live, and takes over once it has expired.
// リソースの編集リースを取得または更新する
func (m *LeaseManager) Acquire(ctx context.Context, resource, holder string) (*EditLease, error) {
	if resource == "" {
		return nil, NewValidationError("resource", "リソースIDは必須です", resource)
	}
	if holder == "" {
		return nil, NewValidationError("holder", "保持者IDは必須です", holder)
	}

	now := m.clock.Now()

	// 判定と書き込みはストア側で単一の不可分操作として行う
	lease, err := m.store.AcquireLease(ctx, resource, holder, now, now.Add(m.ttl))
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			m.logger.Info("編集リースは他者が保持しています",
				zap.String("resource", resource),
				zap.String("requested_by", holder),
			)
			return nil, ErrLeaseHeld
		}
		return nil, NewStorageError("acquire_lease", "編集リース取得に失敗しました", err)
	}
	return lease, nil
}

// Release drops the lease if the caller still holds it. Releasing a
// lease held by someone else is an error, not a takeover.
// 保持者本人のみがリースを解放できる
func (m *LeaseManager) Release(ctx context.Context, resource, holder string) error {
	deleted, err := m.store.DeleteLease(ctx, resource, holder)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrLeaseNotHeld
	}
	return nil
}

// Holder reports the current live holder of a resource, or empty when
// the lease is absent or expired.
// リソースの現在の有効な保持者を返す（未保持・期限切れは空文字）
func (m *LeaseManager) Holder(ctx context.Context, resource string) (string, error) {
	lease, err := m.store.GetLease(ctx, resource)
	if err != nil {
		if errors.Is(err, ErrLeaseNotHeld) {
			return "", nil
		}
		return "", err
	}
	if lease == nil || lease.ExpiredAt(m.clock.Now()) {
		return "", nil
	}
	return lease.Holder, nil
}
