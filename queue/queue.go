// Package queue is the delivery engine: it holds queued messages in its own
// database, locks them in batches for a pool of delivery workers, attempts
// delivery over SMTP or to HTTP endpoints, schedules retries with backoff,
// composes bounces for permanent failures, maintains the suppression list,
// and delivers webhook events about it all.
//
// Workers on multiple processes can share the queue database: a message is
// claimed by atomically setting its lock fields in a write transaction, and
// locks left behind by a crashed worker go stale and become claimable again.
package queue

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/bstore"

	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/dns"
	"github.com/courier-mta/courier/metrics"
	"github.com/courier-mta/courier/mlog"
	"github.com/courier-mta/courier/smtp"
	"github.com/courier-mta/courier/store"
)

var xlog = mlog.New("queue", nil)

var (
	metricDeliveryResult = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_queue_delivery_result_total",
			Help: "Delivery attempt results.",
		},
		[]string{
			"scope",
			"result", // sent, softfail, hardfail, held, error
		},
	)
	metricDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_queue_delivery_duration_seconds",
			Help:    "SMTP client delivery attempt to single host.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"attempt",   // Number of attempts.
			"transport", // "direct" or explicit transport name.
			"result",    // ok, timeout, canceled, temperror, permerror, error
		},
	)
	metricClaimStale = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_queue_claim_stale_total",
			Help: "Messages claimed whose previous lock had gone stale.",
		},
	)
)

var jitterRand = courier.NewPseudoRand()

// DB has the queue rows: pending and retired messages, webhooks with their
// logs, and the suppression list. Exported for use in tests and admin tooling.
var DB *bstore.DB

// DBTypes are the types stored in the queue database.
var DBTypes = []any{Msg{}, MsgRetired{}, Hook{}, HookRetired{}, WebhookLog{}, Suppression{}}

// Msg is a message in the queue. It references a store.Message for its
// content and metadata; the queue row only carries what workers need to lock,
// schedule and deliver it.
type Msg struct {
	ID int64

	MessageID int64 `bstore:"nonzero,unique"` // Our store.Message.
	ServerID  int64 `bstore:"index"`
	Scope     store.Scope

	Sender             string // Envelope sender, can be empty for bounces.
	RecipientLocalpart smtp.Localpart
	RecipientDomain    dns.IPDomain
	RecipientDomainStr string // For filtering.

	// Messages with equal batch keys can be delivered on one SMTP
	// connection, so workers claim them together. Composed of server,
	// scope, transport and recipient domain.
	BatchKey string `bstore:"nonzero,index"`

	// Empty for direct delivery to the MX of the recipient domain.
	Transport string

	Attempts    int // Next attempt is number Attempts+1. Increased before delivery is attempted.
	MaxAttempts int // Exceeding this turns a temporary failure into a permanent one.

	Queued      time.Time  `bstore:"default now"`
	NextAttempt time.Time  // For scheduling.
	LastAttempt *time.Time
	LastError   string

	// While locked, a message is invisible to other workers. A lock older
	// than the configured staleness is ignored, the worker holding it is
	// assumed dead.
	LockedBy string // "host:pid:worker", empty when unlocked.
	LockedAt time.Time

	Manual bool // Kicked by an admin, delivered regardless of schedule.

	// Assembled during delivery attempts. Used to rotate between address
	// families on dual-stack destinations.
	DialedIPs map[string][]net.IP
}

// Recipient of the message.
func (m Msg) Recipient() string {
	return string(m.RecipientLocalpart) + "@" + m.RecipientDomainStr
}

// MsgRetired is a message no longer in the queue, either delivered or given
// up on. Retired rows feed the automatic suppression list and the admin view
// of recent activity, and are removed after the configured retention.
type MsgRetired struct {
	ID int64 // Same ID as the original Msg.

	MessageID int64 `bstore:"nonzero"`
	ServerID  int64 `bstore:"index"`
	Scope     store.Scope

	Sender           string
	RecipientAddress string `bstore:"index RecipientAddress+LastActivity"`
	Success          bool         // Delivered, processed or bounce-linked.
	Status           store.Status // Final status: Sent, HardFail, Held, Processed or Bounced.
	Attempts         int
	LastError        string

	Queued       time.Time
	LastActivity time.Time
	KeepUntil    time.Time `bstore:"index"`
}

// Init opens the queue database, creating it if needed.
func Init(ctx context.Context) error {
	p := courier.DataDirPath("queue/index.db")
	os.MkdirAll(courier.DataDirPath("queue"), 0770)
	var err error
	DB, err = bstore.Open(ctx, p, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return fmt.Errorf("open queue database: %w", err)
	}
	return nil
}

// Shutdown closes the queue database. Called during shutdown, after workers
// have finished.
func Shutdown() {
	err := DB.Close()
	xlog.Check(err, "closing queue database")
	DB = nil
}

// MakeMsg returns a queue row for a stored message, parsing its recipient and
// deriving the batch key. The caller sets Transport if delivery should not go
// directly to the recipient domain.
func MakeMsg(sm store.Message, nextAttempt time.Time) (Msg, error) {
	addr, err := smtp.ParseAddress(sm.Recipient)
	if err != nil {
		return Msg{}, fmt.Errorf("parsing recipient address: %v", err)
	}
	m := Msg{
		MessageID:          sm.ID,
		ServerID:           sm.ServerID,
		Scope:              sm.Scope,
		Sender:             sm.Sender,
		RecipientLocalpart: addr.Localpart,
		RecipientDomain:    dns.IPDomain{Domain: addr.Domain},
		RecipientDomainStr: addr.Domain.Name(),
		MaxAttempts:        courier.Conf.MaxDeliveryAttempts(),
		Queued:             time.Now(),
		NextAttempt:        nextAttempt,
	}
	m.BatchKey = batchKey(m)
	return m, nil
}

func batchKey(m Msg) string {
	return fmt.Sprintf("%d %s %s %s", m.ServerID, m.Scope, m.Transport, m.RecipientDomainStr)
}

// Add adds a message to the queue and wakes up the delivery workers.
func Add(ctx context.Context, log mlog.Log, m *Msg) error {
	if m.ID != 0 {
		return fmt.Errorf("id of queued message must be 0")
	}
	m.BatchKey = batchKey(*m)
	err := DB.Insert(ctx, m)
	if err != nil {
		return err
	}
	log.Debug("message queued",
		slog.Int64("id", m.ID),
		slog.Any("recipient", m.Recipient()),
		slog.Time("nextattempt", m.NextAttempt))
	queuekick()
	return nil
}

// Filter selects messages from the queue for List, Count, Kick and Drop. Only
// non-zero/non-nil fields restrict the selection.
type Filter struct {
	Max         int
	IDs         []int64
	ServerID    int64
	Sender      string
	Recipient   string // Exact address, or "@domain" for all of a domain.
	Transport   *string
	Queued      string // ">$duration" or "<$duration", relative to now.
	NextAttempt string // ">$duration" or "<$duration", relative to now.
}

func (f Filter) apply(q *bstore.Query[Msg]) error {
	if len(f.IDs) > 0 {
		q.FilterIDs(f.IDs)
	}
	if f.ServerID != 0 {
		q.FilterNonzero(Msg{ServerID: f.ServerID})
	}
	applyTime := func(field string, s string) error {
		orig := s
		var before bool
		if strings.HasPrefix(s, "<") {
			before = true
		} else if !strings.HasPrefix(s, ">") {
			return fmt.Errorf(`must start with "<" for before or ">" for after a duration`)
		}
		s = strings.TrimSpace(s[1:])
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %v", orig, err)
		}
		t := time.Now().Add(d)
		if before {
			q.FilterLess(field, t)
		} else {
			q.FilterGreater(field, t)
		}
		return nil
	}
	if f.Queued != "" {
		if err := applyTime("Queued", f.Queued); err != nil {
			return fmt.Errorf("queued: %v", err)
		}
	}
	if f.NextAttempt != "" {
		if err := applyTime("NextAttempt", f.NextAttempt); err != nil {
			return fmt.Errorf("next attempt: %v", err)
		}
	}
	if f.Sender != "" {
		q.FilterNonzero(Msg{Sender: f.Sender})
	}
	if f.Recipient != "" {
		if strings.HasPrefix(f.Recipient, "@") {
			q.FilterNonzero(Msg{RecipientDomainStr: f.Recipient[1:]})
		} else {
			addr, err := smtp.ParseAddress(f.Recipient)
			if err != nil {
				return fmt.Errorf("parsing recipient address: %v", err)
			}
			q.FilterNonzero(Msg{RecipientLocalpart: addr.Localpart, RecipientDomainStr: addr.Domain.Name()})
		}
	}
	if f.Transport != nil {
		q.FilterEqual("Transport", *f.Transport)
	}
	if f.Max != 0 {
		q.Limit(f.Max)
	}
	return nil
}

// List returns queued messages matching the filter, ordered by next attempt.
func List(ctx context.Context, f Filter) ([]Msg, error) {
	q := bstore.QueryDB[Msg](ctx, DB)
	if err := f.apply(q); err != nil {
		return nil, err
	}
	q.SortAsc("NextAttempt", "ID")
	return q.List()
}

// Count returns the number of messages in the queue matching the filter.
func Count(ctx context.Context, f Filter) (int, error) {
	q := bstore.QueryDB[Msg](ctx, DB)
	if err := f.apply(q); err != nil {
		return 0, err
	}
	return q.Count()
}

// Kick sets the next attempt of matching messages to now, marks them as
// manual so a held store status does not stop them, and wakes up the workers.
func Kick(ctx context.Context, f Filter) (int, error) {
	q := bstore.QueryDB[Msg](ctx, DB)
	if err := f.apply(q); err != nil {
		return 0, err
	}
	n, err := q.UpdateFields(map[string]any{"NextAttempt": time.Now(), "Manual": true})
	if err != nil {
		return 0, fmt.Errorf("selecting and updating messages in queue: %v", err)
	}
	queuekick()
	return n, nil
}

// Drop removes matching messages from the queue, retiring them as failed.
// The stored message gets a final HardFail delivery record.
func Drop(ctx context.Context, log mlog.Log, f Filter) (int, error) {
	var msgs []Msg
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Msg](tx)
		if err := f.apply(q); err != nil {
			return err
		}
		var err error
		msgs, err = q.List()
		if err != nil {
			return err
		}
		now := time.Now()
		for _, m := range msgs {
			m.LastError = "removed from queue by admin"
			if err := retire(tx, m, store.StatusHardFail, now); err != nil {
				return fmt.Errorf("retiring message: %v", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		recordDelivery(ctx, log, m.MessageID, store.StatusHardFail, "removed from queue by admin", "", false, 0, "")
	}
	return len(msgs), nil
}

// retire moves a message from the queue to the retired table, in tx, with
// its final status.
func retire(tx *bstore.Tx, m Msg, status store.Status, now time.Time) error {
	if err := tx.Delete(&Msg{ID: m.ID}); err != nil {
		return err
	}
	success := status == store.StatusSent || status == store.StatusProcessed || status == store.StatusBounced
	mr := MsgRetired{
		ID:               m.ID,
		MessageID:        m.MessageID,
		ServerID:         m.ServerID,
		Scope:            m.Scope,
		Sender:           m.Sender,
		RecipientAddress: m.Recipient(),
		Success:          success,
		Status:           status,
		Attempts:         m.Attempts,
		LastError:        m.LastError,
		Queued:           m.Queued,
		LastActivity:     now,
		KeepUntil:        now.Add(courier.Conf.RetiredKeep()),
	}
	return tx.Insert(&mr)
}

var msgqueueKick = make(chan struct{}, 1)

func queuekick() {
	select {
	case msgqueueKick <- struct{}{}:
	default:
	}
}

// claim locks a batch of ready messages for a worker, in one write
// transaction. The oldest-scheduled ready message determines the batch: more
// ready messages with the same batch key are claimed along with it, up to the
// configured batch size. Ready means unlocked or stale-locked, and scheduled
// within now plus a random jitter so workers spread out over the schedule.
// Dispatch releases rows that turn out not to be due yet.
func claim(ctx context.Context, workerID string) ([]Msg, error) {
	now := time.Now()
	var lookahead time.Duration
	if j := courier.Conf.Jitter(); j > 0 {
		lookahead = time.Duration(jitterRand.Int63n(int64(j)))
	}
	horizon := now.Add(lookahead)
	staleBefore := now.Add(-courier.Conf.LockStale())
	ready := func(m Msg) bool {
		return m.LockedBy == "" || m.LockedAt.Before(staleBefore)
	}

	var msgs []Msg
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Msg](tx)
		q.FilterLessEqual("NextAttempt", horizon)
		q.FilterFn(ready)
		q.SortAsc("NextAttempt")
		q.Limit(1)
		first, err := q.Get()
		if err == bstore.ErrAbsent {
			return nil
		} else if err != nil {
			return err
		}

		qb := bstore.QueryTx[Msg](tx)
		qb.FilterNonzero(Msg{BatchKey: first.BatchKey})
		qb.FilterLessEqual("NextAttempt", horizon)
		qb.FilterFn(ready)
		qb.SortAsc("NextAttempt")
		qb.Limit(courier.Conf.BatchSize())
		batch, err := qb.List()
		if err != nil {
			return err
		}
		for i := range batch {
			if batch[i].LockedBy != "" {
				metricClaimStale.Inc()
			}
			batch[i].LockedBy = workerID
			batch[i].LockedAt = now
			if err := tx.Update(&batch[i]); err != nil {
				return err
			}
		}
		msgs = batch
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claiming batch: %v", err)
	}
	return msgs, nil
}

// unlock clears the lock of a message and schedules its next attempt, e.g.
// after a temporary failure.
func unlock(ctx context.Context, m Msg, nextAttempt time.Time) error {
	return DB.Write(ctx, func(tx *bstore.Tx) error {
		m.LockedBy = ""
		m.LockedAt = time.Time{}
		m.NextAttempt = nextAttempt
		m.Manual = false
		return tx.Update(&m)
	})
}

// backoff returns the delay until the next delivery attempt after a
// temporary failure, for the attempt number just made. Either the fixed
// configured interval, or an exponential schedule starting at 7m30s and
// doubling each attempt, with a little jitter.
func backoff(attempts int) time.Duration {
	if d, fixed := courier.Conf.SoftFailRetry(); fixed {
		return d
	}
	d := time.Duration(7*60+30+jitterRand.Intn(10)-5) * time.Second
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

// nextWork returns the delay until a next message can be claimed, for worker
// timers. Capped so stale locks are picked up within the staleness window.
func nextWork(ctx context.Context) time.Duration {
	max := courier.Conf.LockStale()
	q := bstore.QueryDB[Msg](ctx, DB)
	q.FilterEqual("LockedBy", "")
	q.SortAsc("NextAttempt")
	q.Limit(1)
	m, err := q.Get()
	if err == bstore.ErrAbsent {
		return max
	} else if err != nil {
		xlog.Errorx("finding time for next delivery attempt", err)
		return time.Minute
	}
	d := time.Until(m.NextAttempt)
	if d < 0 {
		d = 0
	} else if d > max {
		d = max
	}
	return d
}

// Start launches the delivery workers, the webhook deliverer and the cleanup
// of expired retired rows and suppressions. They stop when the shutdown
// context is done, after which done is signaled once all workers finished.
func Start(resolver dns.Resolver, done chan struct{}) error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("get hostname for worker id: %v", err)
	}
	pid := os.Getpid()

	var wg sync.WaitGroup
	n := courier.Conf.DeliveryWorkers()
	for i := 0; i < n; i++ {
		workerID := hostname + ":" + strconv.Itoa(pid) + ":" + strconv.Itoa(i)
		wg.Add(1)
		go deliveryWorker(workerID, resolver, &wg)
	}

	wg.Add(1)
	go hookDeliverer(&wg)

	go cleanupLoop()

	go func() {
		wg.Wait()
		done <- struct{}{}
	}()
	return nil
}

func deliveryWorker(workerID string, resolver dns.Resolver, wg *sync.WaitGroup) {
	defer wg.Done()

	log := mlog.Log{Logger: xlog.Logger.With(slog.String("worker", workerID))}
	timer := time.NewTimer(0)
	for {
		select {
		case <-courier.Shutdown.Done():
			return
		case <-msgqueueKick:
		case <-timer.C:
		}

		for {
			if courier.Shutdown.Err() != nil {
				return
			}
			msgs, err := claim(courier.Shutdown, workerID)
			if err != nil {
				log.Errorx("claiming messages for delivery", err)
				break
			}
			if len(msgs) == 0 {
				break
			}
			// More batches may be ready for other workers.
			queuekick()
			deliverBatch(log, resolver, msgs)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(nextWork(courier.Shutdown))
	}
}

// cleanupLoop periodically removes retired messages and webhooks past their
// retention, and expired suppressions.
func cleanupLoop() {
	timer := time.NewTimer(3 * time.Second)
	for {
		select {
		case <-courier.Shutdown.Done():
			return
		case <-timer.C:
		}
		cleanup(courier.Shutdown, xlog)
		timer.Reset(time.Hour)
	}
}

func cleanup(ctx context.Context, log mlog.Log) {
	now := time.Now()

	n, err := bstore.QueryDB[MsgRetired](ctx, DB).FilterLess("KeepUntil", now).Delete()
	log.Check(err, "removing expired retired messages")
	if n > 0 {
		log.Debug("removed expired retired messages", slog.Int("count", n))
	}

	n, err = bstore.QueryDB[HookRetired](ctx, DB).FilterLess("KeepUntil", now).Delete()
	log.Check(err, "removing expired retired webhooks")
	if n > 0 {
		log.Debug("removed expired retired webhooks", slog.Int("count", n))
	}

	n, err = bstore.QueryDB[WebhookLog](ctx, DB).FilterLess("Created", now.Add(-courier.Conf.RetiredKeep())).Delete()
	log.Check(err, "removing old webhook logs")
	if n > 0 {
		log.Debug("removed old webhook logs", slog.Int("count", n))
	}

	suppressionReap(ctx, log, now)
}

// RetiredList returns retired messages matching the filter, most recent
// activity first.
func RetiredList(ctx context.Context, max int) ([]MsgRetired, error) {
	q := bstore.QueryDB[MsgRetired](ctx, DB)
	q.SortDesc("LastActivity")
	if max != 0 {
		q.Limit(max)
	}
	return q.List()
}

// recordDelivery adds a delivery record, and with it the new status, to the
// stored message. Best effort: a failure to record is logged, delivery
// proceeds.
func recordDelivery(ctx context.Context, log mlog.Log, messageID int64, status store.Status, details, output string, sentWithSSL bool, duration time.Duration, logID string) store.Delivery {
	d := store.Delivery{
		MessageID:   messageID,
		Status:      status,
		Details:     details,
		Output:      output,
		SentWithSSL: sentWithSSL,
		LogID:       logID,
		Time:        duration.Seconds(),
	}
	err := store.DB.Write(ctx, func(tx *bstore.Tx) error {
		return store.DeliveryAdd(tx, &d)
	})
	log.Check(err, "recording delivery attempt",
		slog.Int64("message", messageID),
		slog.Any("status", status))
	return d
}

// recoverPanic turns a panic during a delivery attempt into an error result
// for the message, so one bad message cannot take down a worker.
func recoverPanic(log mlog.Log, m *Msg, result *disposition) {
	x := recover()
	if x == nil {
		return
	}
	log.Error("delivery panic", slog.Any("panic", x), slog.Int64("msgid", m.ID))
	debug.PrintStack()
	metrics.PanicInc("queue")
	*result = disposition{Status: store.StatusError, Details: fmt.Sprintf("internal error: %v", x)}
}
