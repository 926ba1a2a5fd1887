package allocation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func qty(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

// テスト用の基準日（2026-06-01）
var refDate = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func candidate(id string, available string, expiry *time.Time) CandidateLot {
	return CandidateLot{
		LotID:        id,
		LotNumber:    "LN-" + id,
		AvailableQty: qty(available),
		ExpiryDate:   expiry,
		ReceiptDate:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// TestCalculate_FEFOSplit は複数ロットへの分割引当のテスト
func TestCalculate_FEFOSplit(t *testing.T) {
	demand := Demand{
		RequiredQty:   qty("70"),
		ReferenceDate: refDate,
		AllowPartial:  true,
		Strategy:      StrategyFEFO,
	}
	candidates := []CandidateLot{
		candidate("LOT-001", "40", datePtr(2026, 7, 1)),
		candidate("LOT-002", "100", datePtr(2026, 12, 1)),
	}

	result, err := Calculate(demand, candidates)
	require.NoError(t, err)

	require.Len(t, result.Allocated, 2)
	assert.Equal(t, "LOT-001", result.Allocated[0].LotID)
	assert.True(t, result.Allocated[0].AllocatedQty.Equal(qty("40")))
	assert.Equal(t, ReasonPartialCoverage, result.Allocated[0].Reason)
	assert.Equal(t, 1, result.Allocated[0].Priority)

	assert.Equal(t, "LOT-002", result.Allocated[1].LotID)
	assert.True(t, result.Allocated[1].AllocatedQty.Equal(qty("30")))
	assert.Equal(t, ReasonFullCoverage, result.Allocated[1].Reason)

	assert.True(t, result.TotalAllocated.Equal(qty("70")))
	assert.True(t, result.Shortage.IsZero())
}

// TestCalculate_SingleLotFit は単一ロット全量引当戦略のテスト
func TestCalculate_SingleLotFit(t *testing.T) {
	demand := Demand{
		RequiredQty:   qty("70"),
		ReferenceDate: refDate,
		AllowPartial:  true,
		Strategy:      StrategySingleLotFit,
	}
	// 先頭ロットでは全量を賄えず、2番目で賄える
	candidates := []CandidateLot{
		candidate("LOT-001", "40", datePtr(2026, 7, 1)),
		candidate("LOT-002", "100", datePtr(2026, 12, 1)),
	}

	result, err := Calculate(demand, candidates)
	require.NoError(t, err)

	require.Len(t, result.Allocated, 1)
	assert.Equal(t, "LOT-002", result.Allocated[0].LotID)
	assert.True(t, result.Allocated[0].AllocatedQty.Equal(qty("70")))
	assert.Equal(t, ReasonSingleLotCoverage, result.Allocated[0].Reason)
	assert.True(t, result.Shortage.IsZero())
}

// TestCalculate_SingleLotFitFallback は単一ロット不可時の分割経路フォールバックのテスト
func TestCalculate_SingleLotFitFallback(t *testing.T) {
	demand := Demand{
		RequiredQty:   qty("120"),
		ReferenceDate: refDate,
		AllowPartial:  true,
		Strategy:      StrategySingleLotFit,
	}
	candidates := []CandidateLot{
		candidate("LOT-001", "40", datePtr(2026, 7, 1)),
		candidate("LOT-002", "100", datePtr(2026, 12, 1)),
	}

	result, err := Calculate(demand, candidates)
	require.NoError(t, err)

	// どのロットも単独では120を賄えないため分割に落ちる
	require.Len(t, result.Allocated, 2)
	assert.True(t, result.Allocated[0].AllocatedQty.Equal(qty("40")))
	assert.True(t, result.Allocated[1].AllocatedQty.Equal(qty("80")))
	assert.True(t, result.TotalAllocated.Equal(qty("120")))
	assert.True(t, result.Shortage.IsZero())
}

// TestCalculate_PartialNotAllowed は部分引当不許可時の挙動のテスト
func TestCalculate_PartialNotAllowed(t *testing.T) {
	demand := Demand{
		RequiredQty:   qty("200"),
		ReferenceDate: refDate,
		AllowPartial:  false,
		Strategy:      StrategyFEFO,
	}
	candidates := []CandidateLot{
		candidate("LOT-001", "40", datePtr(2026, 7, 1)),
		candidate("LOT-002", "100", datePtr(2026, 12, 1)),
	}

	result, err := Calculate(demand, candidates)
	require.NoError(t, err)

	// 候補は消費されず、全量が不足として返る
	assert.Empty(t, result.Allocated)
	assert.True(t, result.TotalAllocated.IsZero())
	assert.True(t, result.Shortage.Equal(qty("200")))

	// 各候補の不採用理由がトレースに残る
	reasons := make(map[string]string)
	for _, d := range result.Trace {
		if d.LotID != "" {
			reasons[d.LotID] = d.Reason
		}
	}
	assert.Equal(t, ReasonPartialNotAllowed, reasons["LOT-001"])
	assert.Equal(t, ReasonPartialNotAllowed, reasons["LOT-002"])
}

// TestCalculate_ExpiredRejected は期限切れロットの不採用のテスト
func TestCalculate_ExpiredRejected(t *testing.T) {
	demand := Demand{
		RequiredQty:   qty("50"),
		ReferenceDate: refDate,
		AllowPartial:  true,
		Strategy:      StrategyFEFO,
	}
	candidates := []CandidateLot{
		candidate("LOT-OLD", "100", datePtr(2026, 5, 1)), // 基準日より前に失効
		candidate("LOT-NEW", "100", datePtr(2026, 12, 1)),
	}

	result, err := Calculate(demand, candidates)
	require.NoError(t, err)

	require.Len(t, result.Allocated, 1)
	assert.Equal(t, "LOT-NEW", result.Allocated[0].LotID)

	var rejectedReason string
	for _, d := range result.Trace {
		if d.LotID == "LOT-OLD" {
			rejectedReason = d.Reason
		}
	}
	assert.Equal(t, ReasonExpired, rejectedReason)
}

// TestCalculate_NilExpiryNeverExpires は期限なしロットが期限判定を常に通過することのテスト
func TestCalculate_NilExpiryNeverExpires(t *testing.T) {
	demand := Demand{
		RequiredQty:   qty("30"),
		ReferenceDate: refDate,
		AllowPartial:  true,
	}
	candidates := []CandidateLot{
		candidate("LOT-NOEXP", "100", nil),
	}

	result, err := Calculate(demand, candidates)
	require.NoError(t, err)
	require.Len(t, result.Allocated, 1)
	assert.Equal(t, "LOT-NOEXP", result.Allocated[0].LotID)
}

// TestCalculate_NoCandidates は候補ゼロ時の合成トレース行のテスト
func TestCalculate_NoCandidates(t *testing.T) {
	demand := Demand{
		RequiredQty:   qty("50"),
		ReferenceDate: refDate,
		AllowPartial:  true,
	}

	result, err := Calculate(demand, nil)
	require.NoError(t, err)

	assert.Empty(t, result.Allocated)
	assert.True(t, result.Shortage.Equal(qty("50")))
	require.Len(t, result.Trace, 1)
	assert.Equal(t, DecisionRejected, result.Trace[0].Decision)
	assert.Equal(t, ReasonNoEligibleLot, result.Trace[0].Reason)
	assert.Empty(t, result.Trace[0].LotID)
}

// TestCalculate_DefaultStrategy は戦略未指定時にFEFOとして動作することのテスト
func TestCalculate_DefaultStrategy(t *testing.T) {
	demand := Demand{
		RequiredQty:   qty("30"),
		ReferenceDate: refDate,
		AllowPartial:  true,
	}
	candidates := []CandidateLot{
		candidate("LOT-001", "100", datePtr(2026, 12, 1)),
	}

	result, err := Calculate(demand, candidates)
	require.NoError(t, err)
	require.Len(t, result.Allocated, 1)
	assert.True(t, result.TotalAllocated.Equal(qty("30")))
}

// TestCalculate_InvalidInput は不正入力のバリデーションのテスト
func TestCalculate_InvalidInput(t *testing.T) {
	_, err := Calculate(Demand{RequiredQty: decimal.Zero}, nil)
	assert.Error(t, err)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = Calculate(Demand{RequiredQty: qty("10"), Strategy: "round_robin"}, nil)
	assert.Error(t, err)
	assert.ErrorAs(t, err, &ve)
}

// TestCalculate_QuantityInvariant はTotalAllocated+Shortage==要求数量の不変条件のテスト
func TestCalculate_QuantityInvariant(t *testing.T) {
	cases := []struct {
		name         string
		required     string
		allowPartial bool
		candidates   []CandidateLot
	}{
		{"全量充足", "70", true, []CandidateLot{
			candidate("A", "40", datePtr(2026, 7, 1)),
			candidate("B", "100", nil),
		}},
		{"部分充足", "500", true, []CandidateLot{
			candidate("A", "40", datePtr(2026, 7, 1)),
			candidate("B", "100", nil),
		}},
		{"候補なし", "33.5", true, nil},
		{"部分不許可", "200", false, []CandidateLot{
			candidate("A", "40", nil),
		}},
		{"小数数量", "12.75", true, []CandidateLot{
			candidate("A", "10.5", nil),
			candidate("B", "8.25", nil),
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			demand := Demand{
				RequiredQty:   qty(tc.required),
				ReferenceDate: refDate,
				AllowPartial:  tc.allowPartial,
			}
			result, err := Calculate(demand, tc.candidates)
			require.NoError(t, err)
			sum := result.TotalAllocated.Add(result.Shortage)
			assert.True(t, sum.Equal(qty(tc.required)),
				"TotalAllocated(%s) + Shortage(%s) != RequiredQty(%s)",
				result.TotalAllocated, result.Shortage, tc.required)
		})
	}
}

// TestCandidateLot_IsExpiredAt は期限判定の日付切り捨てとnil期限のテスト
func TestCandidateLot_IsExpiredAt(t *testing.T) {
	c := candidate("LOT-001", "100", datePtr(2026, 6, 1))

	// 期限当日はまだ有効（基準日の時刻部分は無視する）
	assert.False(t, c.IsExpiredAt(time.Date(2026, 6, 1, 23, 59, 0, 0, time.UTC)))
	assert.True(t, c.IsExpiredAt(time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC)))

	// 期限なしロットは失効しない
	eternal := candidate("LOT-002", "100", nil)
	assert.False(t, eternal.IsExpiredAt(refDate.AddDate(100, 0, 0)))
}
