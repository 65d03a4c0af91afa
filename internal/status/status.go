package status

import (
	"fmt"

	"github.com/chatloop/chatloop/internal/model"
)

// Advance applies a delivery status transition to a message in place.
// Transitions only move forward (sent, delivered, read); applying a status
// the message already passed is a no-op, not an error. Failed is reachable
// only from sent.
//
// Returns whether the message changed.
func Advance(m *model.Message, to model.MessageStatus, at int64) (bool, error) {
	if to == m.Status {
		return false, nil
	}

	if to == model.StatusFailed {
		if m.Status != model.StatusSent {
			return false, fmt.Errorf("message %s: cannot fail from %s", m.ID, m.Status)
		}
		m.Status = model.StatusFailed
		return true, nil
	}

	if to.Rank() == 0 {
		return false, fmt.Errorf("message %s: unknown status %q", m.ID, to)
	}
	if m.Status == model.StatusFailed {
		return false, fmt.Errorf("message %s: cannot advance a failed message to %s", m.ID, to)
	}
	if to.Rank() <= m.Status.Rank() {
		return false, nil
	}

	// A jump straight to read implies delivery happened too.
	if to.Rank() >= model.StatusDelivered.Rank() && m.DeliveredAt == 0 {
		m.DeliveredAt = at
	}
	if to == model.StatusRead && m.ReadAt == 0 {
		m.ReadAt = at
	}
	m.Status = to
	return true, nil
}
