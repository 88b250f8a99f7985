// Package checkup decides which scanned objects must be looked at again in
// later scans, and how the record of that interest changes as results for
// an object come in.
package checkup

import (
	"context"
	"time"

	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/domain/model"
)

// ScheduledCheckup records that a scanner wants to re-examine an object.
// HandleJSON is the canonical, censored, hint-free encoding of its handle.
type ScheduledCheckup struct {
	ScannerPK        int64
	HandleJSON       []byte
	InterestedBefore *time.Time
}

// Handle decodes the checkup's handle.
func (c ScheduledCheckup) Handle() (model.Handle, error) {
	obj, err := messages.DecodeObject(c.HandleJSON)
	if err != nil {
		return nil, err
	}
	return model.HandleFromJSON(obj)
}

// PersistedForm returns the encoding under which h is stored: censored, with
// every hint in its chain removed.
func PersistedForm(h model.Handle) []byte {
	return []byte(model.CanonicalJSON(model.StripHints(h.Censor().ToJSON())))
}

// Action is the change to apply to the checkup store.
type Action int

const (
	// ActionNone leaves the store unchanged.
	ActionNone Action = iota
	// ActionTouch sets interested_before on the existing row.
	ActionTouch
	// ActionDelete removes the existing row.
	ActionDelete
	// ActionCreate inserts a row.
	ActionCreate
)

func (a Action) String() string {
	switch a {
	case ActionTouch:
		return "touch"
	case ActionDelete:
		return "delete"
	case ActionCreate:
		return "create"
	default:
		return "none"
	}
}

// Observation is one result for an object: exactly one of Matches and
// Problem is set.
type Observation struct {
	Matches *messages.MatchesMessage
	Problem *messages.ProblemMessage
}

// ObservationOf classifies a message read from the checkup queue. It reports
// false for messages that carry no handle.
func ObservationOf(obj model.Object) (Observation, messages.ScanTag, model.Handle, bool, error) {
	switch {
	case obj["message"] != nil:
		p, err := messages.ProblemFromJSON(obj)
		if err != nil || p.Handle == nil {
			return Observation{}, messages.ScanTag{}, nil, false, err
		}
		return Observation{Problem: &p}, p.ScanTag, p.Handle, true, nil
	case obj["matches"] != nil || obj["matched"] != nil:
		m, err := messages.MatchesFromJSON(obj)
		if err != nil {
			return Observation{}, messages.ScanTag{}, nil, false, err
		}
		return Observation{Matches: &m}, m.ScanSpec.ScanTag, m.Handle, true, nil
	}
	return Observation{}, messages.ScanTag{}, nil, false, nil
}

// Decide applies the checkup policy. exists reports whether a row is already
// stored for the object.
//
// An object that still matches, or whose only evaluated rule was an
// unsatisfied LastModifiedRule (it has not changed), stays of interest. An
// object that changed and no longer matches, or that has been deleted, is
// forgotten. Transient problems never change an existing row, so changes
// between the last match and the error are not lost; they do create one,
// so the object is revisited.
func Decide(exists bool, obs Observation) Action {
	if exists {
		switch {
		case obs.Matches != nil:
			if obs.Matches.Matched || obs.Matches.OnlyLastModified() {
				return ActionTouch
			}
			return ActionDelete
		case obs.Problem != nil:
			if obs.Problem.Missing {
				return ActionDelete
			}
		}
		return ActionNone
	}

	if (obs.Matches != nil && obs.Matches.Matched) || (obs.Problem != nil && !obs.Problem.Missing) {
		return ActionCreate
	}
	return ActionNone
}

// Repository persists scheduled checkups. Apply must lock the row for
// (scannerPK, handleJSON) for the duration of the decision.
type Repository interface {
	// Apply decides the action for obs against the stored row, if any, and
	// performs it with interested_before = scanTime.
	Apply(ctx context.Context, scannerPK int64, handleJSON []byte, obs Observation, scanTime time.Time) (Action, error)

	// ListForScanner returns every checkup scheduled for a scanner.
	ListForScanner(ctx context.Context, scannerPK int64) ([]ScheduledCheckup, error)

	// DeleteForScanner removes every checkup of a scanner.
	DeleteForScanner(ctx context.Context, scannerPK int64) error
}
