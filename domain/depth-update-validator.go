package domain

// DepthUpdateValidator decides whether an update continues the book.
// It returns nil when the update applies, ErrOrderBookUpdateIsOutdated when it
// should be skipped, and ErrOrderBookUpdateIsOutOfSequence on a gap.
// bridged is false until the first update after a snapshot was applied.
type DepthUpdateValidator interface {
	IsValidUpd(update *OrderBookUpdate, lastUpdateID int64, bridged bool) error
}

// PrevLinkValidator requires every update to reference the sequence of the
// update before it (OKX prevSeqId).
type PrevLinkValidator struct{}

func (PrevLinkValidator) IsValidUpd(update *OrderBookUpdate, lastUpdateID int64, bridged bool) error {
	if !bridged && update.SequenceEnd <= lastUpdateID {
		return ErrOrderBookUpdateIsOutdated
	}
	if update.PrevSequenceEnd != lastUpdateID {
		return ErrOrderBookUpdateIsOutOfSequence
	}
	return nil
}

// RangeValidator handles updates covering a contiguous id range
// (Binance spot U..u, KuCoin sequenceStart..sequenceEnd). The first update
// must straddle lastUpdateID+1, the following ones start right after it.
type RangeValidator struct{}

func (RangeValidator) IsValidUpd(update *OrderBookUpdate, lastUpdateID int64, bridged bool) error {
	if !bridged {
		// Drop any event where u is <= lastUpdateId in the snapshot
		if update.SequenceEnd <= lastUpdateID {
			return ErrOrderBookUpdateIsOutdated
		}
		if update.SequenceStart <= lastUpdateID+1 && update.SequenceEnd >= lastUpdateID+1 {
			return nil
		}
		return ErrOrderBookUpdateIsOutOfSequence
	}

	if update.SequenceStart != lastUpdateID+1 {
		return ErrOrderBookUpdateIsOutOfSequence
	}
	return nil
}

// BinanceFuturesValidator: the first update must satisfy U <= lastUpdateId <= u,
// later ones must carry pu equal to the previous u.
type BinanceFuturesValidator struct{}

func (BinanceFuturesValidator) IsValidUpd(update *OrderBookUpdate, lastUpdateID int64, bridged bool) error {
	if !bridged {
		if update.SequenceEnd < lastUpdateID {
			return ErrOrderBookUpdateIsOutdated
		}
		if update.SequenceStart <= lastUpdateID && update.SequenceEnd >= lastUpdateID {
			return nil
		}
		return ErrOrderBookUpdateIsOutOfSequence
	}

	if update.PrevSequenceEnd != lastUpdateID {
		return ErrOrderBookUpdateIsOutOfSequence
	}
	return nil
}

// SnapshotOnlyValidator accepts everything; used by exchanges that only
// publish full books.
type SnapshotOnlyValidator struct{}

func (SnapshotOnlyValidator) IsValidUpd(*OrderBookUpdate, int64, bool) error { return nil }
