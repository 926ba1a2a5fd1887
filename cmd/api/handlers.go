package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cybons-lab/lot-management-system-sub002/internal/config"
	"github.com/cybons-lab/lot-management-system-sub002/pkg/allocation"
)

// Handlers holds HTTP handlers for the allocation API
// 引当API用のHTTPハンドラーを保持
type Handlers struct {
	store        allocation.Store
	selector     *allocation.Selector
	reservations *allocation.ReservationManager
	orchestrator *allocation.Orchestrator
	leases       *allocation.LeaseManager
	versions     *allocation.VersionGuard
	cfg          *config.Config
	logger       *zap.Logger
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(
	store allocation.Store,
	selector *allocation.Selector,
	reservations *allocation.ReservationManager,
	orchestrator *allocation.Orchestrator,
	leases *allocation.LeaseManager,
	versions *allocation.VersionGuard,
	cfg *config.Config,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		store:        store,
		selector:     selector,
		reservations: reservations,
		orchestrator: orchestrator,
		leases:       leases,
		versions:     versions,
		cfg:          cfg,
		logger:       logger,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// AllocateRequest represents a single demand line allocation request
// 需要明細1件の引当リクエストを表現
type AllocateRequest struct {
	DemandLineID string `json:"demand_line_id"`
	Strategy     string `json:"strategy"`
	AllowPartial bool   `json:"allow_partial"`
}

// BatchAllocateRequest represents a batch auto-allocation request
// バッチ自動引当リクエストを表現
type BatchAllocateRequest struct {
	SourceType       string `json:"source_type"`
	ProductID        string `json:"product_id"`
	WarehouseID      string `json:"warehouse_id"`
	Strategy         string `json:"strategy"`
	Policy           string `json:"policy"`
	AllowPartial     *bool  `json:"allow_partial"`
	SafetyMarginDays *int   `json:"safety_margin_days"`
	Limit            int    `json:"limit"`
}

// ManualReserveRequest represents a manual reservation request
// 手動予約リクエストを表現
type ManualReserveRequest struct {
	SourceID string          `json:"source_id"`
	LotID    string          `json:"lot_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// ReplaceReservationsRequest replaces all reservations of a demand source
// 需要元の予約の総入れ替えリクエストを表現
type ReplaceReservationsRequest struct {
	SourceType string                  `json:"source_type"`
	SourceID   string                  `json:"source_id"`
	Lines      []allocation.ManualLine `json:"lines"`
}

// LeaseRequest represents an edit lease acquire/release request
// 編集リースの取得・解放リクエストを表現
type LeaseRequest struct {
	Resource string `json:"resource"`
	Holder   string `json:"holder"`
}

// SplitLotRequest carves quantity off a lot into a child receipt
// ロット分割リクエストを表現
type SplitLotRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
}

// AdjustLotRequest adjusts consumed or locked quantity of a lot
// ロットの消費・凍結数量の調整リクエストを表現
type AdjustLotRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
}

// VersionCheckRequest compares a snapshot version against the store
// スナップショット版数の検査リクエストを表現
type VersionCheckRequest struct {
	Entity  string `json:"entity"`
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.sendError(w, http.StatusServiceUnavailable, "データベースに接続できません")
		return
	}

	h.sendSuccess(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "lot-management-system",
	})
}

// GetLot handles lot detail requests. Remaining and available are derived
// at read time, never served from a stored summary.
// ロット詳細リクエストを処理（残量・利用可能数量は読み取り時導出）
func (h *Handlers) GetLot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	lotID := vars["lotId"]
	if err := allocation.ValidateLotID(lotID); err != nil {
		h.sendFailure(w, err)
		return
	}

	lot, err := h.store.GetLot(r.Context(), lotID)
	if err != nil {
		h.sendFailure(w, err)
		return
	}

	reserved := decimal.Zero
	rows, err := h.store.ListLots(r.Context(), allocation.LotFilter{
		ProductID: lot.ProductID,
		Statuses: []allocation.LotStatus{
			lot.Status,
		},
	})
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	for _, row := range rows {
		if row.Lot.ID == lotID {
			reserved = row.ReservedQty
			break
		}
	}

	h.sendSuccess(w, map[string]interface{}{
		"lot":           lot,
		"remaining_qty": lot.Remaining(),
		"reserved_qty":  reserved,
		"available_qty": lot.AvailableWith(reserved),
	})
}

// GetCandidates handles candidate listing requests
// 候補ロット一覧リクエストを処理
func (h *Handlers) GetCandidates(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	q := r.URL.Query()

	if err := allocation.ValidateProductID(vars["productId"]); err != nil {
		h.sendFailure(w, err)
		return
	}
	if err := allocation.ValidateWarehouseID(q.Get("warehouse_id")); err != nil {
		h.sendFailure(w, err)
		return
	}

	opts := allocation.SelectOptions{
		ProductID:      vars["productId"],
		WarehouseID:    q.Get("warehouse_id"),
		Policy:         allocation.Policy(q.Get("policy")),
		ExcludeExpired: true,
		IncludeSample:  q.Get("include_sample") == "true",
		IncludeAdhoc:   q.Get("include_adhoc") == "true",
		ExcludeLocked:  q.Get("exclude_locked") == "true",
	}
	if opts.Policy == "" {
		opts.Policy = allocation.Policy(h.cfg.Allocation.DefaultPolicy)
	}
	if v := q.Get("safety_margin_days"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days >= 0 {
			opts.SafetyMarginDays = days
		}
	}
	if v := q.Get("min_available_qty"); v != "" {
		if min, err := decimal.NewFromString(v); err == nil {
			opts.MinAvailableQty = min
		}
	}

	candidates, err := h.selector.Select(r.Context(), opts)
	if err != nil {
		h.sendFailure(w, err)
		return
	}

	h.sendSuccess(w, candidates)
}

// Allocate handles single demand line allocation requests
// 需要明細1件の引当リクエストを処理
func (h *Handlers) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}
	if err := allocation.ValidateStrategy(allocation.Strategy(req.Strategy)); err != nil {
		h.sendFailure(w, err)
		return
	}

	result, reservations, err := h.orchestrator.Allocate(
		r.Context(),
		req.DemandLineID,
		allocation.Strategy(req.Strategy),
		req.AllowPartial,
	)
	if err != nil {
		h.sendFailure(w, err)
		return
	}

	h.sendSuccess(w, map[string]interface{}{
		"result":       result,
		"reservations": reservations,
	})
}

// AllocateBatch handles batch auto-allocation requests
// バッチ自動引当リクエストを処理
func (h *Handlers) AllocateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchAllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}
	if err := allocation.ValidateStrategy(allocation.Strategy(req.Strategy)); err != nil {
		h.sendFailure(w, err)
		return
	}
	if err := allocation.ValidatePolicy(allocation.Policy(req.Policy)); err != nil {
		h.sendFailure(w, err)
		return
	}
	if req.SourceType != "" {
		if err := allocation.ValidateSourceType(allocation.SourceType(req.SourceType)); err != nil {
			h.sendFailure(w, err)
			return
		}
	}

	opts := allocation.BatchOptions{
		Filter: allocation.DemandFilter{
			Source:      allocation.SourceType(req.SourceType),
			ProductID:   req.ProductID,
			WarehouseID: req.WarehouseID,
			Limit:       req.Limit,
		},
		Strategy:            allocation.Strategy(req.Strategy),
		Policy:              allocation.Policy(req.Policy),
		AllowPartial:        h.cfg.Allocation.AllowPartial,
		SkipAlreadyReserved: true,
		ExcludeExpired:      true,
		SafetyMarginDays:    h.cfg.Allocation.SafetyMarginDays,
		SkipLockedScan:      true,
	}
	if req.AllowPartial != nil {
		opts.AllowPartial = *req.AllowPartial
	}
	if req.SafetyMarginDays != nil {
		opts.SafetyMarginDays = *req.SafetyMarginDays
	}
	if opts.Filter.Limit == 0 {
		opts.Filter.Limit = h.cfg.Allocation.BatchLimit
	}

	summary, err := h.orchestrator.AllocateBatch(r.Context(), opts)
	if err != nil {
		h.sendFailure(w, err)
		return
	}

	h.sendSuccess(w, summary)
}

// ReserveManual handles manual lot-specified reservation requests
// ロット指定の手動予約リクエストを処理
func (h *Handlers) ReserveManual(w http.ResponseWriter, r *http.Request) {
	var req ManualReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}
	if err := allocation.ValidateManualLine(allocation.ManualLine{LotID: req.LotID, Quantity: req.Quantity}); err != nil {
		h.sendFailure(w, err)
		return
	}
	if err := allocation.ValidateSourceID(req.SourceID); err != nil {
		h.sendFailure(w, err)
		return
	}

	reservation, err := h.reservations.CreateManual(r.Context(), req.SourceID, req.LotID, req.Quantity)
	if err != nil {
		h.sendFailure(w, err)
		return
	}

	h.sendSuccess(w, reservation)
}

// ReplaceReservations handles reservation replacement requests
// 予約の総入れ替えリクエストを処理
func (h *Handlers) ReplaceReservations(w http.ResponseWriter, r *http.Request) {
	var req ReplaceReservationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}
	if err := allocation.ValidateSourceType(allocation.SourceType(req.SourceType)); err != nil {
		h.sendFailure(w, err)
		return
	}
	for _, line := range req.Lines {
		if err := allocation.ValidateManualLine(line); err != nil {
			h.sendFailure(w, err)
			return
		}
	}

	created, err := h.reservations.Replace(
		r.Context(),
		allocation.SourceType(req.SourceType),
		req.SourceID,
		req.Lines,
	)
	if err != nil {
		h.sendFailure(w, err)
		return
	}

	h.sendSuccess(w, created)
}

// ReleaseReservation handles reservation release requests. Releasing an
// already released reservation succeeds with released=false.
// 予約解除リクエストを処理（解除済みへの再解除も成功）
func (h *Handlers) ReleaseReservation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	reservationID := vars["reservationId"]

	released, err := h.reservations.Release(r.Context(), reservationID)
	if err != nil {
		h.sendFailure(w, err)
		return
	}

	h.sendSuccess(w, map[string]interface{}{
		"reservation_id": reservationID,
		"released":       released,
	})
}

// ListReservations handles reservation listing by demand source
// 需要元別の予約一覧リクエストを処理
func (h *Handlers) ListReservations(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	rows, err := h.store.ListReservationsBySource(
		r.Context(),
		allocation.SourceType(vars["sourceType"]),
		vars["sourceId"],
	)
	if err != nil {
		h.sendFailure(w, err)
		return
	}

	h.sendSuccess(w, rows)
}

// AcquireLease handles edit lease acquisition requests
// 編集リース取得リクエストを処理
func (h *Handlers) AcquireLease(w http.ResponseWriter, r *http.Request) {
	var req LeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	lease, err := h.leases.Acquire(r.Context(), req.Resource, req.Holder)
	if err != nil {
		h.sendFailure(w, err)
		return
	}

	h.sendSuccess(w, lease)
}

// ReleaseLease handles edit lease release requests
// 編集リース解放リクエストを処理
func (h *Handlers) ReleaseLease(w http.ResponseWriter, r *http.Request) {
	var req LeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	if err := h.leases.Release(r.Context(), req.Resource, req.Holder); err != nil {
		h.sendFailure(w, err)
		return
	}

	h.sendSuccess(w, map[string]string{
		"message": "編集リースを解放しました",
	})
}

// CheckVersion handles optimistic version check requests
// 楽観的バージョン検査リクエストを処理
func (h *Handlers) CheckVersion(w http.ResponseWriter, r *http.Request) {
	var req VersionCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	if err := allocation.ValidateVersion(req.Version); err != nil {
		h.sendFailure(w, err)
		return
	}

	if err := h.versions.Check(r.Context(), req.Entity, req.ID, req.Version); err != nil {
		h.sendFailure(w, err)
		return
	}

	h.sendSuccess(w, map[string]string{
		"message": "バージョンは最新です",
	})
}

// SplitLot handles lot split requests
// ロット分割リクエストを処理
func (h *Handlers) SplitLot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	lotID := vars["lotId"]

	var req SplitLotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}
	if err := allocation.ValidateQuantity(req.Quantity); err != nil {
		h.sendFailure(w, err)
		return
	}

	child, err := h.store.SplitLot(r.Context(), lotID, req.Quantity)
	if err != nil {
		h.sendFailure(w, err)
		return
	}

	h.sendSuccess(w, child)
}

// ConsumeLot handles consumption recording requests
// 消費記録リクエストを処理
func (h *Handlers) ConsumeLot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	lotID := vars["lotId"]

	var req AdjustLotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}
	if err := allocation.ValidateQuantity(req.Quantity); err != nil {
		h.sendFailure(w, err)
		return
	}

	if err := h.store.AddConsumed(r.Context(), lotID, req.Quantity); err != nil {
		h.sendFailure(w, err)
		return
	}

	h.sendSuccess(w, map[string]string{
		"message": "消費を記録しました",
	})
}

// FreezeLot handles locked quantity adjustment requests. Negative
// quantities unfreeze.
// 凍結数量の調整リクエストを処理（負数は解凍）
func (h *Handlers) FreezeLot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	lotID := vars["lotId"]

	var req AdjustLotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	if err := h.store.AddLocked(r.Context(), lotID, req.Quantity); err != nil {
		h.sendFailure(w, err)
		return
	}

	h.sendSuccess(w, map[string]string{
		"message": "凍結数量を更新しました",
	})
}

// SweepExpiredLots handles expiry sweep requests
// 期限切れ遷移リクエストを処理
func (h *Handlers) SweepExpiredLots(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.MarkExpiredLots(r.Context(), time.Now())
	if err != nil {
		h.sendFailure(w, err)
		return
	}

	h.sendSuccess(w, map[string]int64{
		"expired_count": count,
	})
}

// ヘルパーメソッド

// sendFailure maps domain errors to HTTP status codes
// ドメインエラーをHTTPステータスコードへ対応付け
func (h *Handlers) sendFailure(w http.ResponseWriter, err error) {
	var validationErr *allocation.ValidationError
	switch {
	case errors.As(err, &validationErr):
		h.sendError(w, http.StatusBadRequest, err.Error())
	case allocation.IsConflict(err):
		h.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, allocation.ErrLotNotFound),
		errors.Is(err, allocation.ErrReservationNotFound),
		errors.Is(err, allocation.ErrDemandLineNotFound):
		h.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, allocation.ErrLeaseHeld):
		h.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, allocation.ErrLeaseNotHeld):
		h.sendError(w, http.StatusConflict, err.Error())
	default:
		h.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := APIResponse{
		Success: true,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error:   message,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("エラーレスポンス送信に失敗しました", zap.Error(err))
	}
}
