package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/buildbeaver/buildbeaver/common/logger"
)

// NotificationChannels are the Postgres LISTEN/NOTIFY channels spec §6
// requires DbOps to support, so in-process subscribers (status dumps, the
// Dispatcher's runnability wakeups) can react to writes made by any
// orchestrator process without polling.
var NotificationChannels = []string{
	"builds_added",
	"builds_restarted",
	"builds_cancelled",
	"builds_deleted",
	"builds_bumped",
	"jobset_shares_changed",
	"dump_status",
	"status_dumped",
	"build_finished",
	"step_started",
	"step_finished",
}

// Notify sends a Postgres NOTIFY on channel with the given payload. A no-op
// on sqlite, which has no equivalent primitive; callers that need a
// notification path in tests should observe DB state directly instead.
func (d *DB) Notify(ctx context.Context, txOrNil *Tx, channel string, payload string) error {
	if d.Driver != Postgres {
		return nil
	}
	return d.Write(txOrNil, func(exec Execer, _ Binder) error {
		_, err := exec.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, payload)
		if err != nil {
			return fmt.Errorf("error notifying channel %s: %w", channel, err)
		}
		return nil
	})
}

// Listener wraps a pq.Listener subscribed to every channel in
// NotificationChannels, dispatching each pq.Notification to whichever
// handlers are registered for its channel. Handlers run synchronously on
// the listener's single goroutine; a slow handler delays delivery to every
// other subscriber, so handlers should hand off long work to their own
// goroutine rather than block here.
type Listener struct {
	listener *pq.Listener
	handlers map[string][]func(payload string)
	logger.Log
}

const (
	listenerMinReconnectInterval = 10 * time.Second
	listenerMaxReconnectInterval = time.Minute
)

// NewListener opens a pq.Listener against connectionString and subscribes
// to every channel in NotificationChannels. It is a no-op wrapper (returns
// nil, nil) for non-Postgres drivers.
func NewListener(driver DBDriver, connectionString DatabaseConnectionString, logFactory logger.LogFactory) (*Listener, error) {
	if driver != Postgres {
		return nil, nil
	}
	log := logFactory("StoreListener")
	pql := pq.NewListener(string(connectionString), listenerMinReconnectInterval, listenerMaxReconnectInterval, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warnf("listener event %v: %v", ev, err)
		}
	})
	for _, channel := range NotificationChannels {
		if err := pql.Listen(channel); err != nil {
			pql.Close()
			return nil, fmt.Errorf("error listening on channel %s: %w", channel, err)
		}
	}
	return &Listener{
		listener: pql,
		handlers: make(map[string][]func(payload string)),
		Log:      log,
	}, nil
}

// Subscribe registers fn to run whenever a notification arrives on channel.
// Subscribe is not safe to call concurrently with Run.
func (l *Listener) Subscribe(channel string, fn func(payload string)) {
	l.handlers[channel] = append(l.handlers[channel], fn)
}

// Run dispatches notifications until ctx is cancelled or Close is called.
func (l *Listener) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				continue
			}
			for _, fn := range l.handlers[n.Channel] {
				fn(n.Extra)
			}
		case <-time.After(90 * time.Second):
			go l.listener.Ping()
		}
	}
}

// Close releases the underlying connection.
func (l *Listener) Close() error {
	return l.listener.Close()
}
