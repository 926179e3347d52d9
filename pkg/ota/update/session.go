package update

import (
	"fmt"
	"os"

	otaerrors "github.com/provide-io/otacore/pkg/ota/errors"
)

// State is the lifecycle position of a session.
type State int

const (
	StateIdle State = iota
	StateStaging
	StateCommitting
	StateCommitted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStaging:
		return "staging"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session stages one incoming image. It is obtained from Updater.Begin
// and is finished by End or Abandon.
type Session struct {
	u     *Updater
	file  *os.File
	size  int64
	state State
}

// State returns the current state.
func (s *Session) State() State {
	s.u.mu.Lock()
	defer s.u.mu.Unlock()
	return s.state
}

// Size returns the staged image size so far: the highest offset written.
func (s *Session) Size() int64 {
	s.u.mu.Lock()
	defer s.u.mu.Unlock()
	return s.size
}

// Write stores data at offset in the staging file. Ranges may arrive out
// of order or more than once. A range outside the OTA region is rejected
// and the session keeps staging. A failed write fails the session and
// releases its staging file.
func (s *Session) Write(offset int64, data []byte) error {
	s.u.mu.Lock()
	defer s.u.mu.Unlock()

	if s.state != StateStaging {
		return fmt.Errorf("%w: session is %s", otaerrors.ErrNoSession, s.state)
	}
	if offset < 0 {
		return fmt.Errorf("%w: negative offset %d", otaerrors.ErrInvalidAddress, offset)
	}
	// nothing larger than the ota region can ever be committed
	if limit := int64(s.u.opts.OTASize); offset > limit || int64(len(data)) > limit-offset {
		return fmt.Errorf("%w: chunk at %d+%d exceeds the %d byte ota region",
			otaerrors.ErrInvalidAddress, offset, len(data), limit)
	}

	if _, err := s.file.WriteAt(data, offset); err != nil {
		s.u.logger.Error("❌ staging write failed", "offset", offset, "length", len(data), "error", err)
		s.u.finish(s, StateFailed)
		return fmt.Errorf("%w: staging write at %d: %v", otaerrors.ErrIO, offset, err)
	}
	if end := offset + int64(len(data)); end > s.size {
		s.size = end
	}
	return nil
}

// End validates the staged image and commits it. The returned Result is
// the stable outcome; err carries the detail when the result is not
// AppliedPendingRestart.
func (s *Session) End() (otaerrors.Result, error) {
	s.u.mu.Lock()
	defer s.u.mu.Unlock()

	if s.state != StateStaging {
		err := fmt.Errorf("%w: session is %s", otaerrors.ErrNoSession, s.state)
		return otaerrors.ResultOf(err), err
	}
	s.state = StateCommitting

	err := s.u.commit(s)
	if err != nil {
		s.u.finish(s, StateFailed)
		return otaerrors.ResultOf(err), err
	}
	s.u.finish(s, StateCommitted)
	return otaerrors.AppliedPendingRestart, nil
}

// Abandon drops the session without committing. Nothing staged survives.
func (s *Session) Abandon() {
	s.u.mu.Lock()
	defer s.u.mu.Unlock()
	if s.state == StateStaging {
		s.u.logger.Info("update session abandoned", "staged", s.size)
		s.u.finish(s, StateIdle)
	}
}
