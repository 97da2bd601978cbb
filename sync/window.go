package sync

import "github.com/NFTcolumn/pony-referral-worker/domain"

// nextScanWindow computes the inclusive block range to reconcile next. The
// first window after a fresh start looks back a bounded number of blocks
// from the chain head; afterwards scanning resumes right after the last
// processed block. A window never exceeds maxRange blocks past its start
// and never passes the chain head. The second return is false when there is
// nothing to scan yet.
func nextScanWindow(lastProcessed, height, maxRange, lookback uint64) (domain.ScanWindow, bool) {
	var from uint64
	if lastProcessed == 0 {
		if height > lookback {
			from = height - lookback
		}
	} else {
		from = lastProcessed + 1
	}

	if from > height {
		return domain.ScanWindow{}, false
	}

	to := from + maxRange
	if to > height {
		to = height
	}

	return domain.ScanWindow{From: from, To: to}, true
}
