package lobby

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// BridgeNATS re-emits signals published on "<prefix>.signal.<name>" into the
// local signal bus, so external processes (operator tooling, other servers)
// can trigger "auto-assign" or "reset-multi-groups" without holding a
// reference to this lobby.
//
// The bridge is inbound-only: local Emit calls are not mirrored outward,
// which keeps a multi-subscriber deployment free of echo loops.
//
// Returns a stop function that drains the subscription.
func (l *Lobby) BridgeNATS(nc *nats.Conn, prefix string) (stop func(), err error) {
	subject := prefix + ".signal.>"
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		name := strings.TrimPrefix(msg.Subject, prefix+".signal.")
		if name == "" || name == msg.Subject {
			l.logger.Warn("ignoring malformed signal subject", "subject", msg.Subject)

			return
		}
		l.Emit(context.Background(), name)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	l.logger.Info("lobby signal bridge active", "batch_id", l.batchID, "subject", subject)

	return func() {
		if err := sub.Drain(); err != nil {
			l.logger.Warn("failed to drain signal bridge", "error", err)
		}
	}, nil
}
