package dispute

// tally reads the vote aggregates maintained on the dispute row. Quorum
// is measured against total cast power; the leader must strictly exceed
// the runner-up or the tally reports a tie.
func tally(rec Record, quorumPower int64) TallyResult {
	result := TallyResult{
		TotalPower: rec.RefundPower + rec.ReleasePower + rec.SplitPower,
		VoteCount:  rec.VoteCount,
	}
	if result.TotalPower < quorumPower {
		result.QuorumFailed = true
		return result
	}

	type bucket struct {
		verdict Verdict
		power   int64
	}
	// Fixed iteration order keeps tie detection deterministic.
	buckets := []bucket{
		{VerdictRefundBuyer, rec.RefundPower},
		{VerdictReleaseSeller, rec.ReleasePower},
		{VerdictSplit, rec.SplitPower},
	}
	for _, b := range buckets {
		switch {
		case b.power > result.LeaderPower:
			result.RunnerUp = result.LeaderPower
			result.Leader = b.verdict
			result.LeaderPower = b.power
		case b.power > result.RunnerUp:
			result.RunnerUp = b.power
		}
	}

	result.Tied = result.LeaderPower == result.RunnerUp
	return result
}

// verdictRefund maps a verdict to the amount returned to the buyer.
// splitBasis is the buyer's percentage share for a split verdict.
func verdictRefund(verdict Verdict, escrowAmount int64, splitBasis int) int64 {
	switch verdict {
	case VerdictRefundBuyer:
		return escrowAmount
	case VerdictReleaseSeller:
		return 0
	case VerdictSplit:
		return escrowAmount * int64(splitBasis) / 100
	}
	return 0
}
