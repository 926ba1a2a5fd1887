package allocation

import (
	"errors"
	"fmt"
)

// Common allocation errors
// 共通の引当エラー定義

var (
	// ErrLotNotFound is returned when a lot doesn't exist
	// ロットが存在しない場合のエラー
	ErrLotNotFound = errors.New("ロットが見つかりません")

	// ErrReservationNotFound is returned when a reservation doesn't exist
	// 予約が存在しない場合のエラー
	ErrReservationNotFound = errors.New("予約が見つかりません")

	// ErrDemandLineNotFound is returned when a demand line doesn't exist
	// 需要明細が存在しない場合のエラー
	ErrDemandLineNotFound = errors.New("需要明細が見つかりません")

	// ErrInsufficientStock is returned when a lot cannot cover a requested quantity
	// ロットが要求数量を賄えない場合のエラー
	ErrInsufficientStock = errors.New("在庫が不足しています")

	// ErrVersionMismatch is returned when optimistic locking fails
	// 楽観的ロック失敗時のエラー
	ErrVersionMismatch = errors.New("バージョンが一致しません。他のユーザーによって更新されています")

	// ErrLeaseHeld is returned when another holder owns an unexpired edit lease
	// 他の保持者が未失効の編集リースを持つ場合のエラー
	ErrLeaseHeld = errors.New("リソースは他のユーザーが編集中です")

	// ErrLeaseNotHeld is returned when releasing a lease the caller doesn't hold
	// 保持していないリースを解放しようとした場合のエラー
	ErrLeaseNotHeld = errors.New("リースを保持していません")

	// ErrInvariantViolated signals reserved quantity exceeding physical stock.
	// Fatal: never repaired in place, only logged and surfaced.
	// 予約数量が物理在庫を超過した場合のエラー（致命的、自動修復しない）
	ErrInvariantViolated = errors.New("予約数量が物理在庫を超過しています")
)

// ValidationError represents malformed input, surfaced immediately and never retried
// 不正入力を表現（即時返却、リトライ対象外）
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

// ConflictError represents a lost race: an optimistic-version mismatch or a
// reservation write whose re-validated invariant failed under lock.
// Callers may retry after re-reading current state; the core never auto-retries.
// 競合エラーを表現（読み直し後のリトライは呼び出し側の判断）
type ConflictError struct {
	Resource        string `json:"resource"`                   // 競合リソース
	Message         string `json:"message"`                    // エラーメッセージ
	ExpectedVersion int64  `json:"expected_version,omitempty"` // クライアントが読んだバージョン
	CurrentVersion  int64  `json:"current_version,omitempty"`  // 現在のバージョン
}

func (e ConflictError) Error() string {
	if e.ExpectedVersion != 0 || e.CurrentVersion != 0 {
		return fmt.Sprintf("競合エラー [%s]: %s (expected=%d, current=%d)", e.Resource, e.Message, e.ExpectedVersion, e.CurrentVersion)
	}
	return fmt.Sprintf("競合エラー [%s]: %s", e.Resource, e.Message)
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e StorageError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewConflictError creates a conflict error without version detail
// バージョン情報なしの競合エラーを作成
func NewConflictError(resource, message string) *ConflictError {
	return &ConflictError{
		Resource: resource,
		Message:  message,
	}
}

// NewVersionConflict creates a conflict error reporting both versions
// 両バージョンを報告する競合エラーを作成
func NewVersionConflict(resource string, expected, current int64) *ConflictError {
	return &ConflictError{
		Resource:        resource,
		Message:         ErrVersionMismatch.Error(),
		ExpectedVersion: expected,
		CurrentVersion:  current,
	}
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// IsConflict reports whether err is a conflict the caller may retry after re-reading
// 読み直し後にリトライ可能な競合エラーかを判定
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce) || errors.Is(err, ErrVersionMismatch) || errors.Is(err, ErrLeaseHeld)
}
