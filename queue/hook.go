package queue

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/mjl-/bstore"

	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/couriervar"
	"github.com/courier-mta/courier/metrics"
	"github.com/courier-mta/courier/mlog"
	"github.com/courier-mta/courier/store"
	"github.com/courier-mta/courier/webhook"
)

// Webhooks are delivered from their own queue: one row per event per
// endpoint, with a short fixed retry schedule. Deliveries to the same URL
// are serialized so a slow endpoint gets at most one in-flight request.

// hookIntervals is the delay before each retry. After the last interval has
// been used the webhook is given up on and retired as failed.
var hookIntervals = []time.Duration{2 * time.Minute, 3 * time.Minute, 6 * time.Minute, 10 * time.Minute, 15 * time.Minute}

const maxConcurrentHookDeliveries = 10

// Hook is a webhook event waiting to be delivered to an endpoint.
type Hook struct {
	ID   int64
	UUID string `bstore:"nonzero"` // In the envelope and the X-Courier-Webhook-ID header, same across attempts.

	ServerID   int64 `bstore:"index"`
	EndpointID int64 `bstore:"nonzero"` // store.WebhookEndpoint.

	URL     string `bstore:"nonzero"` // Of the endpoint when the event happened.
	Event   string `bstore:"nonzero,index"`
	Payload []byte `bstore:"nonzero"` // JSON, wrapped in the signed envelope on each attempt.

	Submitted   time.Time `bstore:"default now"`
	Attempts    int
	NextAttempt time.Time `bstore:"nonzero,index"`
	Results     []HookResult
}

// HookResult is the outcome of one delivery attempt of a webhook.
type HookResult struct {
	Start    time.Time
	Duration time.Duration
	URL      string
	Success  bool
	Code     int    // HTTP status code, 0 if the request didn't get a response.
	Error    string
	Response string // Beginning of the response body.
}

// LastResult returns the result of the most recent attempt, or a zero result.
func (h Hook) LastResult() HookResult {
	if len(h.Results) == 0 {
		return HookResult{}
	}
	return h.Results[len(h.Results)-1]
}

// Retired returns a HookRetired for a webhook that is done.
func (h Hook) Retired(success bool, lastActivity, keepUntil time.Time) HookRetired {
	return HookRetired{
		ID:           h.ID,
		UUID:         h.UUID,
		ServerID:     h.ServerID,
		EndpointID:   h.EndpointID,
		URL:          h.URL,
		Event:        h.Event,
		Payload:      h.Payload,
		Submitted:    h.Submitted,
		Attempts:     h.Attempts,
		Results:      h.Results,
		Success:      success,
		LastActivity: lastActivity,
		KeepUntil:    keepUntil,
	}
}

// HookRetired is a webhook that was delivered, or failed its last retry.
// Kept for the admin view of recent activity, removed after the configured
// retention.
type HookRetired struct {
	ID   int64 // Same ID as the original Hook.
	UUID string

	ServerID   int64 `bstore:"index"`
	EndpointID int64

	URL     string
	Event   string
	Payload []byte

	Submitted time.Time
	Attempts  int
	Results   []HookResult

	Success      bool
	LastActivity time.Time `bstore:"index"`
	KeepUntil    time.Time `bstore:"index"`
}

// WebhookLog is one delivery attempt, one row per attempt so the full
// history of an endpoint remains queryable after hooks are retired.
type WebhookLog struct {
	ID         int64
	HookUUID   string `bstore:"nonzero,index"`
	EndpointID int64  `bstore:"index"`
	Event      string
	URL        string
	Attempt    int
	Success    bool
	WillRetry  bool // Whether another attempt follows this failure.
	Code       int
	Error      string
	Response   string
	Duration   time.Duration
	Created    time.Time `bstore:"default now,index"`
}

// hookEnvelope is the request body sent to webhook endpoints.
type hookEnvelope struct {
	Event     string          `json:"event"`
	Timestamp float64         `json:"timestamp"` // Unix seconds of this attempt.
	Payload   json.RawMessage `json:"payload"`
	UUID      string          `json:"uuid"`
}

// hookEmit queues a webhook event for all enabled endpoints of the server
// that subscribe to it.
func hookEmit(ctx context.Context, log mlog.Log, serverID int64, event webhook.Event, payload any) {
	if serverID == 0 {
		return
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		log.Errorx("marshal webhook payload", err, slog.String("event", string(event)))
		return
	}

	endpoints, err := bstore.QueryDB[store.WebhookEndpoint](ctx, store.DB).FilterNonzero(store.WebhookEndpoint{ServerID: serverID}).FilterEqual("Enabled", true).List()
	if err != nil {
		log.Errorx("listing webhook endpoints", err, slog.Int64("server", serverID))
		return
	}

	var queued int
	err = DB.Write(ctx, func(tx *bstore.Tx) error {
		now := time.Now()
		for _, e := range endpoints {
			if len(e.Events) > 0 && !slicesContains(e.Events, string(event)) {
				continue
			}
			h := Hook{
				UUID:        uuid.New().String(),
				ServerID:    serverID,
				EndpointID:  e.ID,
				URL:         e.URL,
				Event:       string(event),
				Payload:     buf,
				NextAttempt: now,
			}
			if err := tx.Insert(&h); err != nil {
				return err
			}
			queued++
		}
		return nil
	})
	if err != nil {
		log.Errorx("queueing webhook event", err, slog.String("event", string(event)))
		return
	}
	if queued > 0 {
		hookkick()
	}
}

func slicesContains(l []string, s string) bool {
	for _, e := range l {
		if e == s {
			return true
		}
	}
	return false
}

func webhookMessage(sm store.Message) webhook.Message {
	return webhook.Message{
		ID:        sm.ID,
		Token:     sm.Token,
		Direction: string(sm.Scope),
		MessageID: sm.MessageIDHeader,
		To:        sm.Recipient,
		From:      sm.Sender,
		Subject:   sm.Subject,
		Timestamp: float64(sm.ReceivedAt.UnixNano()) / float64(time.Second),
		Tag:       sm.Tag,
		SpamScore: sm.SpamScore,
	}
}

func webhookStatus(sm store.Message, d store.Delivery) webhook.MessageStatus {
	return webhook.MessageStatus{
		Message:     webhookMessage(sm),
		Status:      string(d.Status),
		Details:     d.Details,
		Output:      d.Output,
		SentWithSSL: d.SentWithSSL,
		LogID:       d.LogID,
		Time:        d.Time,
		Timestamp:   float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

var hookKick = make(chan struct{}, 1)

func hookkick() {
	select {
	case hookKick <- struct{}{}:
	default:
	}
}

// hookDeliveryResults gets the URL of each finished delivery attempt, freeing
// that URL up for the next in-flight request.
var hookDeliveryResults = make(chan string, maxConcurrentHookDeliveries)

// hookClient posts to webhook endpoints. Variable so tests can shorten the
// timeout.
var hookClient = &http.Client{Timeout: 30 * time.Second}

// hookDeliverer runs the webhook delivery loop: claim due hooks, deliver
// them concurrently with at most one in-flight request per URL, sleep until
// more work is due.
func hookDeliverer(wg *sync.WaitGroup) {
	defer wg.Done()

	log := xlog.WithPkg("webhook")
	busyURLs := map[string]struct{}{}
	timer := time.NewTimer(0)
	for {
		select {
		case <-courier.Shutdown.Done():
			return
		case <-hookKick:
		case <-timer.C:
		case url := <-hookDeliveryResults:
			delete(busyURLs, url)
		}

		hookLaunchWork(log, busyURLs)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(hookNextWork(courier.Shutdown, log, busyURLs))
	}
}

// hookNextWork returns how long to wait before a next webhook can be
// delivered, skipping URLs that have an attempt in flight.
func hookNextWork(ctx context.Context, log mlog.Log, busyURLs map[string]struct{}) time.Duration {
	q := bstore.QueryDB[Hook](ctx, DB)
	if len(busyURLs) > 0 {
		var urls []any
		for u := range busyURLs {
			urls = append(urls, u)
		}
		q.FilterNotEqual("URL", urls...)
	}
	q.SortAsc("NextAttempt")
	q.Limit(1)
	h, err := q.Get()
	if err == bstore.ErrAbsent {
		return 24 * time.Hour
	} else if err != nil {
		log.Errorx("finding time for next webhook delivery", err)
		return time.Minute
	}
	d := time.Until(h.NextAttempt)
	if d < 0 {
		d = 0
	}
	return d
}

// hookLaunchWork starts deliveries for due webhooks, one per URL, respecting
// the concurrency limit. Returns the number of deliveries started.
func hookLaunchWork(log mlog.Log, busyURLs map[string]struct{}) int {
	q := bstore.QueryDB[Hook](courier.Shutdown, DB)
	q.FilterLessEqual("NextAttempt", time.Now())
	q.SortAsc("NextAttempt")
	if len(busyURLs) > 0 {
		var urls []any
		for u := range busyURLs {
			urls = append(urls, u)
		}
		q.FilterNotEqual("URL", urls...)
	}
	hooks, err := q.List()
	if err != nil {
		log.Errorx("listing webhooks for delivery", err)
		return 0
	}

	var n int
	for _, h := range hooks {
		if len(busyURLs) >= maxConcurrentHookDeliveries {
			break
		}
		if _, ok := busyURLs[h.URL]; ok {
			continue
		}
		busyURLs[h.URL] = struct{}{}
		go hookDeliver(log, h)
		n++
	}
	return n
}

// hookDeliver makes one delivery attempt for a webhook and updates or
// retires it. Runs in its own goroutine, reports back on
// hookDeliveryResults.
func hookDeliver(log mlog.Log, h Hook) {
	ctx := courier.Shutdown
	log = log.WithCid(courier.Cid())

	defer func() {
		x := recover()
		if x != nil {
			log.Error("webhook delivery panic", slog.Any("panic", x), slog.Int64("hook", h.ID))
			metrics.PanicInc("queue")
		}
		hookDeliveryResults <- h.URL
	}()

	h.Attempts++
	start := time.Now()
	code, response, err := hookPost(ctx, log, &h)
	result := HookResult{
		Start:    start,
		Duration: time.Since(start),
		URL:      h.URL,
		Success:  err == nil,
		Code:     code,
		Response: response,
	}
	if err != nil {
		result.Error = err.Error()
	}
	h.Results = append(h.Results, result)

	werr := DB.Write(ctx, func(tx *bstore.Tx) error {
		wl := WebhookLog{
			HookUUID:   h.UUID,
			EndpointID: h.EndpointID,
			Event:      h.Event,
			URL:        h.URL,
			Attempt:    h.Attempts,
			Success:    result.Success,
			WillRetry:  !result.Success && h.Attempts <= len(hookIntervals),
			Code:       result.Code,
			Error:      result.Error,
			Response:   result.Response,
			Duration:   result.Duration,
		}
		if err := tx.Insert(&wl); err != nil {
			return err
		}

		now := time.Now()
		if result.Success || h.Attempts > len(hookIntervals) {
			if err := tx.Delete(&Hook{ID: h.ID}); err != nil {
				return err
			}
			hr := h.Retired(result.Success, now, now.Add(courier.Conf.RetiredKeep()))
			return tx.Insert(&hr)
		}
		h.NextAttempt = now.Add(hookIntervals[h.Attempts-1])
		return tx.Update(&h)
	})
	if werr != nil {
		log.Errorx("storing webhook delivery result", werr, slog.Int64("hook", h.ID))
		return
	}

	if result.Success {
		uerr := store.DB.Write(ctx, func(tx *bstore.Tx) error {
			e := store.WebhookEndpoint{ID: h.EndpointID}
			if err := tx.Get(&e); err != nil {
				return err
			}
			e.LastUsedAt = time.Now()
			return tx.Update(&e)
		})
		log.Check(uerr, "updating webhook endpoint last use")
		log.Debug("webhook delivered", slog.Int64("hook", h.ID), slog.String("event", h.Event), slog.Int("attempts", h.Attempts))
	} else {
		log.Infox("webhook delivery failed", err,
			slog.Int64("hook", h.ID),
			slog.String("url", h.URL),
			slog.Int("attempts", h.Attempts),
			slog.Bool("retired", h.Attempts > len(hookIntervals)))
	}
}

// hookPost does the HTTP request for one attempt: wrap the payload in the
// envelope with a fresh timestamp, sign the body, post it. A 2xx response is
// success, anything else an error.
func hookPost(ctx context.Context, log mlog.Log, h *Hook) (code int, response string, rerr error) {
	envelope := hookEnvelope{
		Event:     h.Event,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Payload:   json.RawMessage(h.Payload),
		UUID:      h.UUID,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return 0, "", fmt.Errorf("marshal envelope: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", h.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "courier/"+couriervar.Version)
	req.Header.Set("X-Courier-Webhook-ID", h.UUID)
	req.Header.Set("X-Courier-Webhook-Attempt", strconv.Itoa(h.Attempts))
	if key := courier.Conf.WebhookKey; key != nil {
		sum1 := sha1.Sum(body)
		sig1, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, sum1[:])
		if err != nil {
			return 0, "", fmt.Errorf("signing request body: %v", err)
		}
		sum256 := sha256.Sum256(body)
		sig256, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum256[:])
		if err != nil {
			return 0, "", fmt.Errorf("signing request body: %v", err)
		}
		req.Header.Set("X-Signature", base64.StdEncoding.EncodeToString(sig1))
		req.Header.Set("X-Signature-256", base64.StdEncoding.EncodeToString(sig256))
		req.Header.Set("X-Signature-KID", courier.Conf.WebhookKeyID)
	}

	start := time.Now()
	resp, err := hookClient.Do(req)
	if err != nil {
		metrics.HTTPClientObserve(ctx, log, "queue", req.Method, 0, err, start)
		return 0, "", err
	}
	defer resp.Body.Close()
	metrics.HTTPClientObserve(ctx, log, "queue", req.Method, resp.StatusCode, nil, start)

	buf := make([]byte, store.DeliveryOutputMax)
	n, _ := io.ReadFull(resp.Body, buf)
	response = string(buf[:n])

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, response, fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return resp.StatusCode, response, nil
}

// HookFilter selects webhooks for HookList and HookCount.
type HookFilter struct {
	Max        int
	IDs        []int64
	ServerID   int64
	EndpointID int64
	Event      string
}

func (f HookFilter) apply(q *bstore.Query[Hook]) {
	if len(f.IDs) > 0 {
		q.FilterIDs(f.IDs)
	}
	if f.ServerID != 0 {
		q.FilterNonzero(Hook{ServerID: f.ServerID})
	}
	if f.EndpointID != 0 {
		q.FilterNonzero(Hook{EndpointID: f.EndpointID})
	}
	if f.Event != "" {
		q.FilterNonzero(Hook{Event: f.Event})
	}
	if f.Max != 0 {
		q.Limit(f.Max)
	}
}

// HookList returns webhooks waiting for delivery, by next attempt.
func HookList(ctx context.Context, f HookFilter) ([]Hook, error) {
	q := bstore.QueryDB[Hook](ctx, DB)
	f.apply(q)
	q.SortAsc("NextAttempt", "ID")
	return q.List()
}

// HookCount returns the number of webhooks waiting for delivery.
func HookCount(ctx context.Context, f HookFilter) (int, error) {
	q := bstore.QueryDB[Hook](ctx, DB)
	f.apply(q)
	return q.Count()
}

// HookRetiredList returns retired webhooks, most recent first.
func HookRetiredList(ctx context.Context, max int) ([]HookRetired, error) {
	q := bstore.QueryDB[HookRetired](ctx, DB)
	q.SortDesc("LastActivity")
	if max != 0 {
		q.Limit(max)
	}
	return q.List()
}
