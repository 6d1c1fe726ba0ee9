package simulation

import "shardlock/internal/protocol"

// TxState is observer-side bookkeeping for one transaction. It takes no part
// in the protocol; it only decides whether the transaction has completed.
type TxState struct {
	Tx      protocol.Transaction
	Attempt int

	LatestStep             int
	LatestRollbackForward  int
	LatestRollbackBackward int
	LatestReturn           int
}

func newTxState(tx protocol.Transaction) *TxState {
	s := &TxState{Tx: tx}
	s.reset()
	return s
}

func (s *TxState) reset() {
	s.LatestStep = 0
	s.LatestRollbackForward = 0
	s.LatestRollbackBackward = len(s.Tx.Steps)
	s.LatestReturn = len(s.Tx.Steps)
}

// Finished reports whether the transaction reached its last step and the
// returns made it back to the first one.
func (s *TxState) Finished() bool {
	return s.LatestStep+1 >= len(s.Tx.Steps) && s.LatestReturn == 0
}

func (s *TxState) observe(e protocol.Event) {
	if e.Kind != protocol.EventReceived && e.Kind != protocol.EventIssued {
		return
	}
	tx := e.Message.Tx
	if e.Message.Kind == protocol.Blocked {
		return
	}
	switch {
	case tx.Attempt < s.Attempt:
		return
	case tx.Attempt > s.Attempt:
		s.Attempt = tx.Attempt
		s.reset()
	}

	switch e.Message.Kind {
	case protocol.Execute:
		s.LatestStep = maxInt(s.LatestStep, tx.Cursor)
	case protocol.RollbackForward:
		s.LatestRollbackForward = maxInt(s.LatestRollbackForward, tx.Cursor)
	case protocol.RollbackBackward:
		s.LatestRollbackBackward = minInt(s.LatestRollbackBackward, tx.Cursor)
		if s.LatestRollbackBackward == 0 {
			s.reset()
		}
	case protocol.Return:
		s.LatestReturn = minInt(s.LatestReturn, tx.Cursor)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
