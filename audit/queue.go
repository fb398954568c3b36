package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tidwall/buntdb"
)

const queueKeyPrefix = "audit:"

// Queue decouples token decisions from audit sink latency. Emit durably
// appends the event to a local buntdb log and returns; a background flusher
// delivers queued events to the sink with exponential backoff. A slow or
// unavailable sink therefore never delays or fails a token decision, while
// an issuance is only reported successful after its record is durably
// queued.
type Queue struct {
	db   *buntdb.DB
	sink Sink

	seq    atomic.Uint64
	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewQueue opens (or creates) the local queue file and starts the flusher.
// Pass ":memory:" for tests.
func NewQueue(path string, sink Sink) (*Queue, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit queue: %w", err)
	}
	q := &Queue{
		db:     db,
		sink:   sink,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	// resume after the highest persisted sequence
	var last string
	_ = db.View(func(tx *buntdb.Tx) error {
		return tx.DescendKeys(queueKeyPrefix+"*", func(key, _ string) bool {
			last = key
			return false
		})
	})
	if last != "" {
		var n uint64
		if _, err := fmt.Sscanf(last, queueKeyPrefix+"%020d", &n); err == nil {
			q.seq.Store(n)
		}
	}
	q.wg.Add(1)
	go q.flushLoop()
	return q, nil
}

// Emit durably enqueues the event. The only failure mode is local storage
// failure, in which case the caller must treat its operation as failed.
func (q *Queue) Emit(ctx context.Context, ev Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	key := fmt.Sprintf(queueKeyPrefix+"%020d", q.seq.Add(1))
	err = q.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(b), nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("enqueue audit event: %w", err)
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close stops the flusher after a final drain attempt and closes the local
// queue. Undelivered events stay queued for the next start.
func (q *Queue) Close() error {
	close(q.done)
	q.wg.Wait()
	return q.db.Close()
}

func (q *Queue) flushLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			q.flushOnce(context.Background())
			return
		case <-q.notify:
		case <-ticker.C:
		}
		q.flushOnce(context.Background())
	}
}

// flushOnce delivers queued events in order, deleting each on success. A
// delivery failure stops the pass; ordering to the sink is preserved.
func (q *Queue) flushOnce(ctx context.Context) {
	for {
		var key, val string
		err := q.db.View(func(tx *buntdb.Tx) error {
			return tx.AscendKeys(queueKeyPrefix+"*", func(k, v string) bool {
				key, val = k, v
				return false
			})
		})
		if err != nil || key == "" {
			return
		}

		var ev Event
		if err := json.Unmarshal([]byte(val), &ev); err != nil {
			// unreadable entry; drop it rather than wedge the queue
			log.Printf("audit: dropping malformed queue entry %s: %v", key, err)
			q.delete(key)
			continue
		}

		backoff := retry.WithMaxRetries(5, retry.NewExponential(100*time.Millisecond))
		err = retry.Do(ctx, backoff, func(ctx context.Context) error {
			if werr := q.sink.Write(ctx, ev); werr != nil {
				return retry.RetryableError(werr)
			}
			return nil
		})
		if err != nil {
			log.Printf("audit: sink unavailable, will retry: %v", err)
			return
		}
		q.delete(key)
	}
}

func (q *Queue) delete(key string) {
	_ = q.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		return err
	})
}

// Pending reports how many events are queued but undelivered.
func (q *Queue) Pending() int {
	n := 0
	_ = q.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(queueKeyPrefix+"*", func(_, _ string) bool {
			n++
			return true
		})
	})
	return n
}
