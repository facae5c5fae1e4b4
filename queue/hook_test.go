package queue

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mjl-/bstore"

	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/store"
	"github.com/courier-mta/courier/webhook"
)

func TestHookEmit(t *testing.T) {
	setup(t)
	server, all := addServer(t)

	// A second endpoint that only subscribes to MessageSent, and a disabled
	// one that should never get hooks.
	sent := store.WebhookEndpoint{ServerID: server.ID, URL: "http://localhost/sent", Events: []string{"MessageSent"}, Enabled: true}
	err := store.DB.Insert(ctxbg, &sent)
	tcheck(t, err, "insert endpoint")
	off := store.WebhookEndpoint{ServerID: server.ID, URL: "http://localhost/off"}
	err = store.DB.Insert(ctxbg, &off)
	tcheck(t, err, "insert endpoint")

	hookEmit(ctxbg, pkglog, server.ID, webhook.EventMessageDelayed, webhook.MessageStatus{Status: "SoftFail"})

	hooks, err := HookList(ctxbg, HookFilter{})
	tcheck(t, err, "list hooks")
	tcompare(t, len(hooks), 1)
	tcompare(t, hooks[0].EndpointID, all.ID)
	tcompare(t, hooks[0].Event, "MessageDelayed")
	if hooks[0].UUID == "" {
		t.Fatalf("queued hook without uuid")
	}

	hookEmit(ctxbg, pkglog, server.ID, webhook.EventMessageSent, webhook.MessageStatus{Status: "Sent"})
	n, err := HookCount(ctxbg, HookFilter{Event: "MessageSent"})
	tcheck(t, err, "count hooks")
	tcompare(t, n, 2)

	// Events for an unknown server vanish.
	hookEmit(ctxbg, pkglog, 0, webhook.EventMessageSent, webhook.MessageStatus{})
	n, err = HookCount(ctxbg, HookFilter{})
	tcheck(t, err, "count hooks")
	tcompare(t, n, 3)

	// Filters.
	n, err = HookCount(ctxbg, HookFilter{ServerID: server.ID})
	tcheck(t, err, "count hooks")
	tcompare(t, n, 3)
	n, err = HookCount(ctxbg, HookFilter{EndpointID: sent.ID})
	tcheck(t, err, "count hooks")
	tcompare(t, n, 1)
	n, err = HookCount(ctxbg, HookFilter{IDs: []int64{hooks[0].ID}})
	tcheck(t, err, "count hooks")
	tcompare(t, n, 1)
}

// addHook inserts a due webhook for the endpoint, as hookEmit would.
func addHook(t *testing.T, e store.WebhookEndpoint, event string) Hook {
	t.Helper()
	h := Hook{
		UUID:        uuid.New().String(),
		ServerID:    e.ServerID,
		EndpointID:  e.ID,
		URL:         e.URL,
		Event:       event,
		Payload:     []byte(`{"status":"Sent"}`),
		NextAttempt: time.Now(),
	}
	err := DB.Insert(ctxbg, &h)
	tcheck(t, err, "insert hook")
	return h
}

func TestHookDeliver(t *testing.T) {
	setup(t)
	server, _ := addServer(t)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	tcheck(t, err, "generate rsa key")
	courier.Conf.WebhookKey = key
	courier.Conf.WebhookKeyID = "testkey"
	defer func() {
		courier.Conf.WebhookKey = nil
		courier.Conf.WebhookKeyID = ""
	}()

	var gotBody []byte
	var gotHeader http.Header
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.Write([]byte("ok"))
	}))
	defer hs.Close()

	endpoint := store.WebhookEndpoint{ServerID: server.ID, URL: hs.URL, Enabled: true}
	err = store.DB.Insert(ctxbg, &endpoint)
	tcheck(t, err, "insert endpoint")
	h := addHook(t, endpoint, "MessageSent")

	hookDeliver(pkglog, h)
	tcompare(t, <-hookDeliveryResults, h.URL)

	// Request carried the envelope and a valid signature.
	tcompare(t, gotHeader.Get("Content-Type"), "application/json")
	tcompare(t, gotHeader.Get("X-Courier-Webhook-ID"), h.UUID)
	tcompare(t, gotHeader.Get("X-Courier-Webhook-Attempt"), "1")
	tcompare(t, gotHeader.Get("X-Signature-KID"), "testkey")
	sig, err := base64.StdEncoding.DecodeString(gotHeader.Get("X-Signature-256"))
	tcheck(t, err, "decode signature")
	sum := sha256.Sum256(gotBody)
	err = rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, sum[:], sig)
	tcheck(t, err, "verify signature")
	var envelope struct {
		Event     string          `json:"event"`
		Timestamp float64         `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
		UUID      string          `json:"uuid"`
	}
	err = json.Unmarshal(gotBody, &envelope)
	tcheck(t, err, "parse envelope")
	tcompare(t, envelope.Event, "MessageSent")
	tcompare(t, envelope.UUID, h.UUID)
	tcompare(t, string(envelope.Payload), `{"status":"Sent"}`)
	if envelope.Timestamp == 0 {
		t.Fatalf("envelope without timestamp")
	}

	// Hook retired successfully, with an attempt log and an updated
	// endpoint.
	exists, err := bstore.QueryDB[Hook](ctxbg, DB).FilterIDs([]int64{h.ID}).Exists()
	tcheck(t, err, "check hook gone")
	tcompare(t, exists, false)
	hr := HookRetired{ID: h.ID}
	err = DB.Get(ctxbg, &hr)
	tcheck(t, err, "get retired hook")
	tcompare(t, hr.Success, true)
	tcompare(t, hr.Attempts, 1)
	wl, err := bstore.QueryDB[WebhookLog](ctxbg, DB).FilterNonzero(WebhookLog{HookUUID: h.UUID}).List()
	tcheck(t, err, "list webhook log")
	tcompare(t, len(wl), 1)
	tcompare(t, wl[0].Success, true)
	tcompare(t, wl[0].Code, 200)
	tcompare(t, wl[0].Response, "ok")
	err = store.DB.Get(ctxbg, &endpoint)
	tcheck(t, err, "get endpoint")
	if endpoint.LastUsedAt.IsZero() {
		t.Fatalf("endpoint last use not updated after successful delivery")
	}
}

func TestHookRetry(t *testing.T) {
	setup(t)
	server, _ := addServer(t)

	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer hs.Close()

	endpoint := store.WebhookEndpoint{ServerID: server.ID, URL: hs.URL, Enabled: true}
	err := store.DB.Insert(ctxbg, &endpoint)
	tcheck(t, err, "insert endpoint")
	h := addHook(t, endpoint, "MessageSent")

	// First failure: rescheduled per the first interval.
	hookDeliver(pkglog, h)
	tcompare(t, <-hookDeliveryResults, h.URL)
	err = DB.Get(ctxbg, &h)
	tcheck(t, err, "get hook")
	tcompare(t, h.Attempts, 1)
	tcompare(t, h.LastResult().Success, false)
	tcompare(t, h.LastResult().Code, 500)
	d := time.Until(h.NextAttempt)
	if d < hookIntervals[0]-10*time.Second || d > hookIntervals[0] {
		t.Fatalf("next attempt in %s, expected about %s", d, hookIntervals[0])
	}

	// Exhaust the rest of the schedule, the hook is retired as failed.
	for range hookIntervals {
		hookDeliver(pkglog, h)
		tcompare(t, <-hookDeliveryResults, h.URL)
		err = DB.Get(ctxbg, &h)
		if err == bstore.ErrAbsent {
			break
		}
		tcheck(t, err, "get hook")
	}
	hr := HookRetired{ID: h.ID}
	err = DB.Get(ctxbg, &hr)
	tcheck(t, err, "get retired hook")
	tcompare(t, hr.Success, false)
	tcompare(t, hr.Attempts, len(hookIntervals)+1)

	wl, err := bstore.QueryDB[WebhookLog](ctxbg, DB).FilterNonzero(WebhookLog{HookUUID: h.UUID}).SortAsc("Attempt").List()
	tcheck(t, err, "list webhook log")
	tcompare(t, len(wl), len(hookIntervals)+1)
	tcompare(t, wl[0].WillRetry, true)
	tcompare(t, wl[len(wl)-1].WillRetry, false)

	retired, err := HookRetiredList(ctxbg, 10)
	tcheck(t, err, "list retired hooks")
	tcompare(t, len(retired), 1)
}

func TestHookWork(t *testing.T) {
	setup(t)
	server, _ := addServer(t)

	log := pkglog
	busy := map[string]struct{}{}

	// Nothing queued: sleep for a long time.
	tcompare(t, hookNextWork(ctxbg, log, busy), 24*time.Hour)

	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer hs.Close()
	endpoint := store.WebhookEndpoint{ServerID: server.ID, URL: hs.URL, Enabled: true}
	err := store.DB.Insert(ctxbg, &endpoint)
	tcheck(t, err, "insert endpoint")
	h := addHook(t, endpoint, "MessageSent")

	// A due hook means immediate work, unless its URL is already busy.
	tcompare(t, hookNextWork(ctxbg, log, busy), time.Duration(0))
	busy[h.URL] = struct{}{}
	tcompare(t, hookNextWork(ctxbg, log, busy), 24*time.Hour)
	tcompare(t, hookLaunchWork(log, busy), 0)
	delete(busy, h.URL)

	// Launch marks the URL busy and starts the delivery.
	tcompare(t, hookLaunchWork(log, busy), 1)
	if _, ok := busy[h.URL]; !ok {
		t.Fatalf("url not marked busy after launch")
	}
	tcompare(t, <-hookDeliveryResults, h.URL)
}
