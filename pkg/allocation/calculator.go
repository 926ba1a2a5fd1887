package allocation

import (
	"github.com/shopspring/decimal"
)

// Calculate turns a demand and an ordered candidate list into a decision
// set. It is a pure function: no I/O, no mutation of candidates, and
// deterministic given identical inputs, which is what makes it testable as
// a standalone unit. Shortage is a first-class output, never an error.
// 需要と順序付き候補リストから引当決定を計算する純粋関数
func Calculate(demand Demand, candidates []CandidateLot) (*AllocationResult, error) {
	if err := ValidateDemand(demand); err != nil {
		return nil, err
	}

	strategy := demand.Strategy
	if strategy == "" {
		strategy = StrategyFEFO
	}

	result := &AllocationResult{
		Allocated:      make([]AllocationDecision, 0, len(candidates)),
		Trace:          make([]AllocationDecision, 0, len(candidates)),
		TotalAllocated: decimal.Zero,
	}

	// 候補を有効と不採用に分割（不採用は黙って捨てずトレースに記録）
	valid := make([]CandidateLot, 0, len(candidates))
	validPriority := make([]int, 0, len(candidates))
	for i, c := range candidates {
		priority := i + 1
		if c.IsExpiredAt(demand.ReferenceDate) {
			result.Trace = append(result.Trace, rejected(c, priority, ReasonExpired))
			continue
		}
		if !c.AvailableQty.IsPositive() {
			result.Trace = append(result.Trace, rejected(c, priority, ReasonInsufficientStock))
			continue
		}
		valid = append(valid, c)
		validPriority = append(validPriority, priority)
	}

	if strategy == StrategySingleLotFit {
		// セレクタ順で最初に全量を賄えるロットを探す。見つかれば分割経路を
		// 通らず単一ロットで確定する（厳密な期限順より出荷ロット数を優先）
		for i, c := range valid {
			if c.AvailableQty.GreaterThanOrEqual(demand.RequiredQty) {
				adopted := AllocationDecision{
					LotID:        c.LotID,
					LotNumber:    c.LotNumber,
					Priority:     validPriority[i],
					Decision:     DecisionAdopted,
					Reason:       ReasonSingleLotCoverage,
					AllocatedQty: demand.RequiredQty,
				}
				result.Allocated = append(result.Allocated, adopted)
				result.Trace = append(result.Trace, adopted)
				result.TotalAllocated = demand.RequiredQty
				result.Shortage = decimal.Zero
				return result, nil
			}
		}
		// 単独で賄えるロットがなければ分割経路へ落ちる
	}

	remaining := demand.RequiredQty
	for i, c := range valid {
		if remaining.IsZero() {
			break
		}

		if c.AvailableQty.GreaterThanOrEqual(remaining) {
			adopted := AllocationDecision{
				LotID:        c.LotID,
				LotNumber:    c.LotNumber,
				Priority:     validPriority[i],
				Decision:     DecisionAdopted,
				Reason:       ReasonFullCoverage,
				AllocatedQty: remaining,
			}
			result.Allocated = append(result.Allocated, adopted)
			result.Trace = append(result.Trace, adopted)
			result.TotalAllocated = result.TotalAllocated.Add(remaining)
			remaining = decimal.Zero
			break
		}

		if !demand.AllowPartial {
			// 部分引当不許可：候補を消費せずトレースだけ残して次へ
			result.Trace = append(result.Trace, rejected(c, validPriority[i], ReasonPartialNotAllowed))
			continue
		}

		adopted := AllocationDecision{
			LotID:        c.LotID,
			LotNumber:    c.LotNumber,
			Priority:     validPriority[i],
			Decision:     DecisionAdopted,
			Reason:       ReasonPartialCoverage,
			AllocatedQty: c.AvailableQty,
		}
		result.Allocated = append(result.Allocated, adopted)
		result.Trace = append(result.Trace, adopted)
		result.TotalAllocated = result.TotalAllocated.Add(c.AvailableQty)
		remaining = remaining.Sub(c.AvailableQty)
	}

	// 1件も採用されなかった場合は合成トレース行を追加し、
	// 「在庫が全くない」と「在庫はあるが不足」を呼び出し側が区別できるようにする
	if len(result.Allocated) == 0 {
		result.Trace = append(result.Trace, AllocationDecision{
			Decision:     DecisionRejected,
			Reason:       ReasonNoEligibleLot,
			AllocatedQty: decimal.Zero,
		})
	}

	result.Shortage = demand.RequiredQty.Sub(result.TotalAllocated)
	return result, nil
}

func rejected(c CandidateLot, priority int, reason string) AllocationDecision {
	return AllocationDecision{
		LotID:        c.LotID,
		LotNumber:    c.LotNumber,
		Priority:     priority,
		Decision:     DecisionRejected,
		Reason:       reason,
		AllocatedQty: decimal.Zero,
	}
}
