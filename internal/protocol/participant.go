package protocol

import "github.com/pkg/errors"

// Shard is the protocol engine of one shard. It keeps no per-round state of
// its own: everything mutable lives in the RoundContext it is handed.
type Shard struct {
	ID        ShardID
	Parent    ShardID
	HasParent bool
	Children  []ShardID

	// ReportLimit caps how many hops a blocked report travels; 0 means
	// unlimited.
	ReportLimit int

	observer Observer
}

func NewShard(id ShardID, parent ShardID, hasParent bool, children []ShardID) *Shard {
	return &Shard{ID: id, Parent: parent, HasParent: hasParent, Children: children}
}

// SetObserver installs the hook that sees every message handled or emitted.
func (s *Shard) SetObserver(o Observer) {
	s.observer = o
}

func (s *Shard) notify(kind EventKind, m Message, rc *RoundContext) {
	if s.observer != nil {
		s.observer.Observe(Event{Kind: kind, Round: rc.Round, Shard: s.ID, Message: m})
	}
}

func (s *Shard) send(m Message, rc *RoundContext) {
	rc.Outbox.add(m)
	s.notify(EventSent, m, rc)
}

func (s *Shard) issue(m Message, rc *RoundContext) {
	s.notify(EventIssued, m, rc)
}

// ProcessMessage handles one delivered message.
func (s *Shard) ProcessMessage(m Message, rc *RoundContext) error {
	s.notify(EventReceived, m, rc)

	switch m.Kind {
	case Execute:
		return s.ProcessTx(m.Tx, rc)
	case Return:
		return s.processReturn(m.Tx, rc)
	case Blocked:
		responsible := m.Responsible
		return s.processBlocked(m.Tx, m.On, &responsible, m.Hops, rc)
	case RollbackForward:
		return s.processRollbackForward(m.Tx, rc)
	case RollbackBackward:
		return s.processRollbackBackward(m.Tx, rc)
	default:
		return errors.Wrapf(ErrUnknownKind, "shard %d: %s", s.ID, m.Kind)
	}
}

func (s *Shard) checkStep(tx Transaction) error {
	if tx.Cursor < 0 || tx.Cursor >= len(tx.Steps) {
		return errors.Wrapf(ErrWrongShard, "shard %d: %s has no step %d", s.ID, tx, tx.Cursor)
	}
	if got := tx.Current().Shard; got != s.ID {
		return errors.Wrapf(ErrWrongShard, "shard %d: %s is on shard %d", s.ID, tx, got)
	}
	return nil
}

// ProcessTx runs the current step of tx: it either queues tx behind the
// current lock holder, turns it around on its last step, or takes the lock
// and moves it to the next step.
func (s *Shard) ProcessTx(tx Transaction, rc *RoundContext) error {
	if err := s.checkStep(tx); err != nil {
		return err
	}
	res := tx.Current().Resource

	if holder, locked := rc.Locks[res]; locked {
		rc.Pending = append(rc.Pending, tx)
		return s.ProcessBlocked(tx, holder, nil, rc)
	}

	if tx.IsLast() {
		if tx.Cursor == 0 {
			return errors.Wrapf(ErrTooFewSteps, "shard %d: %s", s.ID, tx)
		}
		// the last hop takes no lock
		s.issue(newStepMessage(Return, tx, s.ID), rc)
		s.send(newStepMessage(Return, tx.Prev(), s.ID), rc)
		return nil
	}

	rc.Locks[res] = tx
	s.send(newStepMessage(Execute, tx.Next(), s.ID), rc)
	return nil
}

func (s *Shard) processReturn(tx Transaction, rc *RoundContext) error {
	if err := s.checkStep(tx); err != nil {
		return err
	}
	res := tx.Current().Resource
	if !rc.Locks.HeldBy(res, tx.Key()) {
		return errors.Wrapf(ErrLockNotHeld, "shard %d: %s on %s", s.ID, tx, res)
	}
	delete(rc.Locks, res)

	if tx.Cursor == 0 {
		return nil // completed
	}
	s.send(newStepMessage(Return, tx.Prev(), s.ID), rc)
	return nil
}

// processRollbackForward chases tx along its plan until it finds the step
// where this attempt is queued, then starts unwinding its locks.
func (s *Shard) processRollbackForward(tx Transaction, rc *RoundContext) error {
	if tx.Cursor >= len(tx.Steps) {
		return errors.Wrapf(ErrChaseOverrun, "shard %d: %s has %d steps", s.ID, tx, len(tx.Steps))
	}
	if err := s.checkStep(tx); err != nil {
		return err
	}

	if rc.removePending(tx.Key(), tx.Cursor) {
		s.issue(newStepMessage(RollbackBackward, tx, s.ID), rc)
		if tx.Cursor == 0 {
			// queued on its first step: nothing to release
			s.send(newStepMessage(Execute, tx.Restart(), s.ID), rc)
			return nil
		}
		s.send(newStepMessage(RollbackBackward, tx.Prev(), s.ID), rc)
		return nil
	}

	if tx.IsLast() {
		// already turned around; the returns release everything
		return nil
	}
	s.send(newStepMessage(RollbackForward, tx.Next(), s.ID), rc)
	return nil
}

func (s *Shard) processRollbackBackward(tx Transaction, rc *RoundContext) error {
	if err := s.checkStep(tx); err != nil {
		return err
	}
	res := tx.Current().Resource
	if !rc.Locks.HeldBy(res, tx.Key()) {
		return nil // stale, already rolled back
	}
	delete(rc.Locks, res)

	if tx.Cursor > 0 {
		s.send(newStepMessage(RollbackBackward, tx.Prev(), s.ID), rc)
		return nil
	}
	s.send(newStepMessage(Execute, tx.Restart(), s.ID), rc)
	return nil
}
