package signing

// BatchPolicy decides when a group of same-token transfers is worth folding
// into one multicall.
type BatchPolicy struct {
	// Threshold is the minimum per-token group size considered for
	// batching.
	Threshold int
	// MinBatchSize is the minimum total number of messages in the
	// receive-cycle before any batching happens.
	MinBatchSize int
	// MinSavingsPercent is the minimum projected gas saving.
	MinSavingsPercent uint64
	// Gas model: a single transfer costs SingleTxGas; a batch of n costs
	// BatchBaseGas + n·BatchPerTxGas.
	SingleTxGas   uint64
	BatchBaseGas  uint64
	BatchPerTxGas uint64
}

// DefaultBatchPolicy returns the standard thresholds.
func DefaultBatchPolicy() BatchPolicy {
	return BatchPolicy{
		Threshold:         3,
		MinBatchSize:      5,
		MinSavingsPercent: 20,
		SingleTxGas:       65_000,
		BatchBaseGas:      100_000,
		BatchPerTxGas:     25_000,
	}
}

// BatchGas returns the projected gas cost of a batch of n transfers.
func (p BatchPolicy) BatchGas(n int) uint64 {
	return p.BatchBaseGas + uint64(n)*p.BatchPerTxGas
}

// SavingsPercent returns the projected gas saving of batching n transfers
// versus sending them individually, as a percentage of the individual cost.
func (p BatchPolicy) SavingsPercent(n int) uint64 {
	if n <= 0 {
		return 0
	}
	single := uint64(n) * p.SingleTxGas
	batch := p.BatchGas(n)
	if batch >= single {
		return 0
	}
	return (single - batch) * 100 / single
}

// ShouldBatch decides the processing mode for a group of groupSize
// same-token transfers out of cycleTotal messages in the receive-cycle.
// gasCap bounds the whole batch transaction; 0 means unbounded.
func (p BatchPolicy) ShouldBatch(groupSize, cycleTotal int, gasCap uint64) bool {
	if groupSize < p.Threshold || cycleTotal < p.MinBatchSize {
		return false
	}
	if p.SavingsPercent(groupSize) < p.MinSavingsPercent {
		return false
	}
	if gasCap > 0 && p.BatchGas(groupSize) > gasCap {
		return false
	}
	return true
}
