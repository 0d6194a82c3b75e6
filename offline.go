package campusim

import (
	"context"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Offline replay
// ============================================================================

// Messages delivered while the client was disconnected are queued server-side
// and drained on the next connect: fetch, replay through the normal inbound
// path, then acknowledge so the server stops redelivering.

// FetchOffline retrieves the queued messages and remembers their ids for the
// acknowledgement.
func (s *Session) FetchOffline(ctx context.Context) ([]*Message, error) {
	msgs, err := s.client.Messages.Offline(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch offline messages")
	}

	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Confirmed() {
			ids = append(ids, msg.ID)
		}
	}
	s.offlineMu.Lock()
	s.offlineIDs = append(s.offlineIDs, ids...)
	s.offlineMu.Unlock()
	return msgs, nil
}

// ConfirmOffline acknowledges the fetched ids. The pending set is cleared
// before the call: a failed acknowledgement means the server redelivers on
// the next connect, and duplicate suppression absorbs the replays, so
// holding on to the ids buys nothing.
func (s *Session) ConfirmOffline(ctx context.Context) error {
	s.offlineMu.Lock()
	ids := s.offlineIDs
	s.offlineIDs = nil
	s.offlineMu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	if err := s.client.Messages.ConfirmOffline(ctx, ids); err != nil {
		jww.WARN.Printf("session: offline confirm failed, server will redeliver: %v", err)
		return errors.Wrap(err, "confirm offline messages")
	}
	jww.INFO.Printf("session: confirmed %d offline messages", len(ids))
	return nil
}

// ReplayOffline drains the server-side offline queue: each queued message is
// replayed through the same reconciliation path as a live event, then the
// batch is acknowledged. Safe to call repeatedly; replaying an
// already-stored message is a no-op.
func (s *Session) ReplayOffline(ctx context.Context) error {
	msgs, err := s.FetchOffline(ctx)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	jww.INFO.Printf("session: replaying %d offline messages", len(msgs))
	for _, msg := range msgs {
		kind := EventPrivateMessage
		if msg.GroupID != 0 {
			kind = EventGroupMessage
		}
		s.handleEvent(Event{Kind: kind, Message: msg})
	}

	return s.ConfirmOffline(ctx)
}
