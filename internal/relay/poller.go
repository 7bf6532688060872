package relay

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roomdrop/roomdrop/internal/mailbox"
	"github.com/roomdrop/roomdrop/internal/signal"
)

const DefaultInterval = 2 * time.Second

// Poller periodically reads the room log and hands new messages to the
// handler. Dispatch happens in log order; each dispatched message is then
// marked processed in the store so it can never be re-delivered, even to
// a future poller with a fresh cursor. Messages that fail validation are
// quarantined: marked processed without dispatch.
type Poller struct {
	store    mailbox.Store
	roomID   string
	localID  string
	interval time.Duration
	handler  func(signal.Message)
	log      *logrus.Logger

	pollMu sync.Mutex
	cursor int64

	kick chan struct{}
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewPoller builds a poller whose cursor starts at afterSeq: log entries
// at or below it are never dispatched. A joining peer passes its own
// join's sequence so it reacts only to what happens after it entered the
// room, never to older joins it should answer rather than offer to.
func NewPoller(store mailbox.Store, roomID, localID string, afterSeq int64, interval time.Duration, handler func(signal.Message), log *logrus.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		store:    store,
		roomID:   roomID,
		localID:  localID,
		interval: interval,
		handler:  handler,
		log:      log,
		cursor:   afterSeq,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start runs the poll loop in its own goroutine. It never blocks the
// caller and never exits on poll failure; store errors are logged and
// retried on the next tick.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.Poll(ctx)
			case <-p.kick:
				p.Poll(ctx)
			}
		}
	}()
}

// Kick schedules an immediate poll, used right after a local append so
// replies do not wait for the next tick.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Stop halts the loop and waits for the in-flight poll to finish.
func (p *Poller) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// Poll fetches and dispatches pending messages once. Safe for concurrent
// callers; overlapping polls serialize so no message dispatches twice.
func (p *Poller) Poll(ctx context.Context) {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	msgs, err := p.store.Messages(ctx, p.roomID, p.cursor)
	if err != nil {
		p.log.Warnf("mailbox poll failed, retrying next interval: %v", err)
		return
	}

	selected, next := Select(msgs, p.localID, p.cursor)
	for _, msg := range selected {
		if err := signal.Validate(msg); err != nil {
			p.log.Warnf("quarantining malformed message seq %d: %v", msg.Seq, err)
			p.markProcessed(ctx, msg.Seq)
			continue
		}
		p.handler(msg)
		p.markProcessed(ctx, msg.Seq)
	}
	p.cursor = next
}

func (p *Poller) markProcessed(ctx context.Context, seq int64) {
	if err := p.store.MarkProcessed(ctx, p.roomID, seq, p.localID); err != nil {
		// The cursor still prevents in-process redelivery.
		p.log.Warnf("failed to mark message seq %d processed: %v", seq, err)
	}
}
