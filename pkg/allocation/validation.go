package allocation

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateLotID ロットIDの形式をバリデーション
func ValidateLotID(lotID string) error {
	if lotID == "" {
		return NewValidationError("lot_id", "ロットIDが空です", lotID)
	}
	if len(lotID) > 255 {
		return NewValidationError("lot_id", "ロットIDが長すぎます", lotID)
	}
	// 英数字、ハイフン、アンダースコアのみ許可
	if !idPattern.MatchString(lotID) {
		return NewValidationError("lot_id", "ロットIDに無効な文字が含まれています", lotID)
	}
	return nil
}

// ValidateProductID 製品IDの形式をバリデーション
func ValidateProductID(productID string) error {
	if productID == "" {
		return NewValidationError("product_id", "製品IDが空です", productID)
	}
	if len(productID) > 255 {
		return NewValidationError("product_id", "製品IDが長すぎます", productID)
	}
	if !idPattern.MatchString(productID) {
		return NewValidationError("product_id", "製品IDに無効な文字が含まれています", productID)
	}
	return nil
}

// ValidateWarehouseID 倉庫IDの形式をバリデーション（空は無指定として許可）
func ValidateWarehouseID(warehouseID string) error {
	if warehouseID == "" {
		return nil // 倉庫制約は任意
	}
	if len(warehouseID) > 255 {
		return NewValidationError("warehouse_id", "倉庫IDが長すぎます", warehouseID)
	}
	if !idPattern.MatchString(warehouseID) {
		return NewValidationError("warehouse_id", "倉庫IDに無効な文字が含まれています", warehouseID)
	}
	return nil
}

// ValidateSourceID 需要元IDの形式をバリデーション
func ValidateSourceID(sourceID string) error {
	if sourceID == "" {
		return NewValidationError("source_id", "需要元IDが空です", sourceID)
	}
	if len(sourceID) > 255 {
		return NewValidationError("source_id", "需要元IDが長すぎます", sourceID)
	}
	return nil
}

// ValidateQuantity 数量をバリデーション（正の値のみ許可）
func ValidateQuantity(quantity decimal.Decimal) error {
	if !quantity.IsPositive() {
		return NewValidationError("quantity", "数量は正の値である必要があります", quantity.String())
	}
	return nil
}

// ValidateNonNegative 数量をバリデーション(0以上を許可)
func ValidateNonNegative(field string, quantity decimal.Decimal) error {
	if quantity.IsNegative() {
		return NewValidationError(field, "負の数量は許可されていません", quantity.String())
	}
	return nil
}

// ValidateStrategy 引当戦略をバリデーション（空はFEFO扱いで許可）
func ValidateStrategy(strategy Strategy) error {
	switch strategy {
	case "", StrategyFEFO, StrategySingleLotFit:
		return nil
	}
	return NewValidationError("strategy", "無効な引当戦略です", string(strategy))
}

// ValidatePolicy 候補並び順ポリシーをバリデーション（空はFEFO扱いで許可）
func ValidatePolicy(policy Policy) error {
	switch policy {
	case "", PolicyFEFO, PolicyFIFO:
		return nil
	}
	return NewValidationError("policy", "無効な並び順ポリシーです", string(policy))
}

// ValidateSourceType 需要元種別をバリデーション
func ValidateSourceType(source SourceType) error {
	switch source {
	case SourceOrder, SourceForecast, SourceManual:
		return nil
	}
	return NewValidationError("source_type", "無効な需要元種別です", string(source))
}

// ValidateVersion バージョンをバリデーション
func ValidateVersion(version int64) error {
	if version < 1 {
		return NewValidationError("version", "バージョンは1以上である必要があります", fmt.Sprintf("%d", version))
	}
	return nil
}

// ValidateDemand 引当要求全体をバリデーション
func ValidateDemand(demand Demand) error {
	if err := ValidateQuantity(demand.RequiredQty); err != nil {
		return err
	}
	if err := ValidateStrategy(demand.Strategy); err != nil {
		return err
	}
	return nil
}

// ValidateDemandLine 需要明細全体をバリデーション
func ValidateDemandLine(line *DemandLine) error {
	if line == nil {
		return NewValidationError("demand_line", "需要明細が指定されていません", "nil")
	}
	if err := ValidateSourceID(line.ID); err != nil {
		return err
	}
	if err := ValidateSourceType(line.Source); err != nil {
		return err
	}
	if err := ValidateProductID(line.ProductID); err != nil {
		return err
	}
	if err := ValidateWarehouseID(line.WarehouseID); err != nil {
		return err
	}
	if err := ValidateQuantity(line.Quantity); err != nil {
		return err
	}
	return nil
}

// ValidateManualLine 手動予約明細をバリデーション
func ValidateManualLine(line ManualLine) error {
	if err := ValidateLotID(line.LotID); err != nil {
		return err
	}
	if err := ValidateQuantity(line.Quantity); err != nil {
		return err
	}
	return nil
}
