package eventbus

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/campaignforge/sagaflow/internal/config"
)

const notifyChannel = "bus_events"

// Bus is the durable event bus client (C1). It persists every published
// message to bus_messages and uses a pq.Listener on a single fan-out channel
// purely to wake idle subscription pollers early.
type Bus struct {
	db       *sql.DB
	listener *pq.Listener
	cfg      config.EventBusConfig
	log      *logrus.Entry

	mu   sync.Mutex
	subs []*subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Bus over an existing *sql.DB connection pool. dsn is used
// only to open the dedicated LISTEN connection pq.Listener requires.
func New(db *sql.DB, dsn string, cfg config.EventBusConfig, log *logrus.Entry) (*Bus, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.WithError(err).Warn("eventbus: listener connection event")
		}
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("eventbus: listen %s: %w", notifyChannel, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		db:       db,
		listener: listener,
		cfg:      cfg,
		log:      log.WithField("component", "eventbus"),
		ctx:      ctx,
		cancel:   cancel,
	}

	b.wg.Add(1)
	go b.listen()

	return b, nil
}

// Close stops all subscriptions and releases the LISTEN connection.
func (b *Bus) Close() error {
	b.cancel()

	b.mu.Lock()
	subs := append([]*subscription(nil), b.subs...)
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}

	b.wg.Wait()
	return b.listener.Close()
}

func (b *Bus) listen() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case notification := <-b.listener.Notify:
			if notification == nil {
				continue
			}
			b.wakeAll()
		case <-time.After(90 * time.Second):
			go b.listener.Ping()
		}
	}
}

func (b *Bus) wakeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (b *Bus) register(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

func (b *Bus) unregister(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.subs {
		if existing == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
}
