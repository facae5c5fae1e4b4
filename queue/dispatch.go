package queue

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/mjl-/bstore"

	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/dkim"
	"github.com/courier-mta/courier/dns"
	"github.com/courier-mta/courier/message"
	"github.com/courier-mta/courier/mlog"
	"github.com/courier-mta/courier/smtp"
	"github.com/courier-mta/courier/store"
	"github.com/courier-mta/courier/webhook"
)

// disposition is the outcome of one delivery attempt, determining what
// happens to the queued message: removal, reschedule or escalation.
type disposition struct {
	Status  store.Status // Sent, SoftFail, HardFail, Held, Error, Processed or Bounced.
	Details string
	Output  string // Raw remote SMTP response or endpoint output.

	Secure       bool          // Delivered over verified TLS.
	ConnectError bool          // Failure was during connection setup.
	Retry        time.Duration // Retry delay requested by the remote server, for SoftFail.

	// SMTP status of a failure, for deciding on immediate suppression.
	Code   int
	Secode string

	SuppressBounce bool // No bounce for a permanent failure, e.g. for failed bounces.

	Duration time.Duration // Of the delivery attempt itself.
}

// deliverBatch handles the messages of one claimed batch, sharing SMTP
// connections between them through a sender cache.
func deliverBatch(log mlog.Log, resolver dns.Resolver, msgs []Msg) {
	senders := newSenderCache(resolver)
	defer senders.finish()

	for i := range msgs {
		if courier.Shutdown.Err() != nil {
			// Remaining messages stay locked and go stale, another
			// worker will pick them up.
			return
		}
		dispatch(log, senders, &msgs[i])
	}
}

// dispatch makes one delivery attempt for a message and applies the outcome.
// The attempt is counted and the next attempt scheduled before anything else,
// so a crash during delivery cannot cause a tight retry loop.
func dispatch(log mlog.Log, senders *senderCache, m *Msg) {
	cid := courier.Cid()
	log = log.WithCid(cid)
	ctx := context.WithValue(courier.Shutdown, mlog.CidKey, cid)

	now := time.Now()
	if m.NextAttempt.After(now) {
		// Claimed within the scheduling jitter but not due yet. Release it,
		// a later pass delivers it on time.
		err := DB.Write(ctx, func(tx *bstore.Tx) error {
			m.LockedBy = ""
			m.LockedAt = time.Time{}
			return tx.Update(m)
		})
		log.Check(err, "releasing message claimed before its schedule", slog.Int64("msgid", m.ID))
		return
	}
	m.Attempts++
	m.LastAttempt = &now
	m.NextAttempt = now.Add(backoff(m.Attempts))
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		return tx.Update(m)
	})
	if err != nil {
		log.Errorx("storing delivery attempt", err, slog.Int64("msgid", m.ID))
		return
	}

	log.Debug("attempting delivery",
		slog.Int64("msgid", m.ID),
		slog.Any("recipient", m.Recipient()),
		slog.Int("attempts", m.Attempts))

	var sm store.Message
	var disp disposition
	func() {
		defer recoverPanic(log, m, &disp)
		disp = deliver(ctx, log, senders, m, &sm)
	}()

	finalize(ctx, log, m, sm, disp, cid)
}

// deliver runs the gates and the scope-specific pipeline for one attempt.
func deliver(ctx context.Context, log mlog.Log, senders *senderCache, m *Msg, sm *store.Message) disposition {
	var raw []byte
	err := store.DB.Read(ctx, func(tx *bstore.Tx) error {
		*sm = store.Message{ID: m.MessageID}
		if err := tx.Get(sm); err != nil {
			return fmt.Errorf("get message: %w", err)
		}
		var err error
		raw, err = store.MessageRawGet(tx, m.MessageID)
		return err
	})
	if errors.Is(err, store.ErrNoRaw) {
		return disposition{Status: store.StatusHardFail, Details: "raw message content no longer available", SuppressBounce: true}
	} else if errors.Is(err, bstore.ErrAbsent) {
		*sm = store.Message{}
		return disposition{Status: store.StatusHardFail, Details: "stored message is gone", SuppressBounce: true}
	} else if err != nil {
		return disposition{Status: store.StatusError, Details: fmt.Sprintf("loading message: %v", err)}
	}

	if sm.Held && !m.Manual {
		return disposition{Status: store.StatusHeld, Details: "message is held"}
	}

	server := store.Server{ID: m.ServerID}
	if err := store.DB.Get(ctx, &server); err != nil {
		return disposition{Status: store.StatusError, Details: fmt.Sprintf("loading server: %v", err)}
	}
	if server.Suspended {
		details := "server is suspended"
		if server.SuspensionReason != "" {
			details += ": " + server.SuspensionReason
		}
		return disposition{Status: store.StatusHeld, Details: details}
	}

	// Rows can come back with their attempts already used up, e.g. requeued
	// by an admin or after the configured maximum was lowered. No more
	// delivery attempts for those.
	if m.Attempts > m.MaxAttempts {
		return disposition{Status: store.StatusHardFail, Details: fmt.Sprintf("maximum number of delivery attempts (%d) reached", m.MaxAttempts)}
	}

	switch m.Scope {
	case store.ScopeOutgoing:
		return deliverOutgoing(ctx, log, senders, m, sm, server, raw)
	case store.ScopeIncoming:
		return deliverIncoming(ctx, log, senders, m, sm, raw)
	}
	return disposition{Status: store.StatusError, Details: fmt.Sprintf("unknown message scope %q", m.Scope)}
}

// deliverOutgoing sends a message to the MX of its recipient domain, or
// through its configured transport.
func deliverOutgoing(ctx context.Context, log mlog.Log, senders *senderCache, m *Msg, sm *store.Message, server store.Server, raw []byte) disposition {
	if sm.DomainID != 0 {
		err := store.DB.Get(ctx, &store.Domain{ID: sm.DomainID})
		if errors.Is(err, bstore.ErrAbsent) {
			return disposition{Status: store.StatusHardFail, Details: "sending domain no longer exists", SuppressBounce: true}
		} else if err != nil {
			return disposition{Status: store.StatusError, Details: fmt.Sprintf("loading sending domain: %v", err)}
		}
	}
	if sm.Recipient == "" {
		return disposition{Status: store.StatusHardFail, Details: "message has no recipient address", SuppressBounce: true}
	}
	if sm.CredentialID != 0 && !m.Manual {
		cred := store.Credential{ID: sm.CredentialID}
		err := store.DB.Get(ctx, &cred)
		if err != nil && !errors.Is(err, bstore.ErrAbsent) {
			return disposition{Status: store.StatusError, Details: fmt.Sprintf("loading credential: %v", err)}
		}
		if cred.Hold {
			return disposition{Status: store.StatusHeld, Details: "held by submission credential"}
		}
	}

	sup, err := SuppressionLookup(ctx, m.ServerID, m.Recipient())
	if err != nil {
		return disposition{Status: store.StatusError, Details: fmt.Sprintf("checking suppression list: %v", err)}
	}
	if sup != nil {
		if !m.Manual {
			return disposition{Status: store.StatusHeld, Details: "recipient address on suppression list: " + sup.Reason}
		}
		// A manual attempt overrides the suppression and clears it.
		if err := SuppressionRemove(ctx, m.ServerID, m.Recipient()); err != nil {
			return disposition{Status: store.StatusError, Details: fmt.Sprintf("removing suppression for manual delivery: %v", err)}
		}
		log.Info("removed suppression for manual delivery", slog.String("recipient", m.Recipient()))
	}

	if !sm.Inspected {
		raw, err = prepareOutgoing(ctx, log, m, sm, raw)
		if err != nil {
			return disposition{Status: store.StatusError, Details: fmt.Sprintf("preparing message: %v", err)}
		}
		if t := courier.Conf.Static.Inspection.SpamThreshold; t > 0 && sm.SpamScore >= t {
			return disposition{Status: store.StatusHardFail, Details: fmt.Sprintf("spam score %.1f at or above threshold %.1f", sm.SpamScore, t), SuppressBounce: true}
		}
	}

	if server.Mode == "Development" && !m.Manual {
		return disposition{Status: store.StatusHeld, Details: "server is in development mode"}
	}

	var ok bool
	err = store.DB.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		ok, err = store.SendLimitInc(tx, m.ServerID, time.Now())
		return err
	})
	if err != nil {
		return disposition{Status: store.StatusError, Details: fmt.Sprintf("counting against send limit: %v", err)}
	}
	if !ok {
		return disposition{Status: store.StatusHeld, Details: fmt.Sprintf("server send limit of %d per hour reached", server.SendLimit)}
	}

	sender, err := senders.direct(ctx, log, m)
	if err != nil {
		return disposition{Status: store.StatusError, Details: fmt.Sprintf("resolving transport: %v", err)}
	}
	res := sender.Send(ctx, log, m, raw)
	disp := res.disposition()
	if sm.Bounce {
		// Failed bounces are dropped, not bounced again.
		disp.SuppressBounce = true
	}
	return disp
}

// prepareOutgoing does the first-attempt work on an outgoing message: add
// missing Date and Message-Id headers, extract the tag header, sign with
// DKIM, and store the modified content. Guarded by the Inspected flag so it
// runs once even if the first attempt is cut short.
func prepareOutgoing(ctx context.Context, log mlog.Log, m *Msg, sm *store.Message, raw []byte) ([]byte, error) {
	headers, err := message.ReadHeaders(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("parsing message headers: %w", err)
	}

	var prepend string
	if _, ok := headerGet(headers, "Date"); !ok {
		prepend += "Date: " + time.Now().Format("Mon, 2 Jan 2006 15:04:05 -0700") + "\r\n"
	}
	if v, ok := headerGet(headers, "Message-Id"); ok {
		if sm.MessageIDHeader == "" {
			sm.MessageIDHeader = v
		}
	} else {
		id := "<" + courier.MessageIDGen(false) + ">"
		prepend += "Message-Id: " + id + "\r\n"
		sm.MessageIDHeader = id
	}
	if v, ok := headerGet(headers, "X-Postal-Tag"); ok {
		sm.Tag = v
	}
	raw = append([]byte(prepend), raw...)

	selectors, signDomain := dkimSelectors(ctx, log, sm)
	if len(selectors) > 0 {
		var localpart smtp.Localpart
		if addr, err := smtp.ParseAddress(sm.Sender); err == nil {
			localpart = addr.Localpart
		}
		sigs, err := dkim.Sign(ctx, log.Logger, localpart, signDomain, selectors, false, bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("dkim signing: %w", err)
		}
		raw = append([]byte(sigs), raw...)
	}

	err = store.DB.Write(ctx, func(tx *bstore.Tx) error {
		mr := store.MessageRaw{ID: sm.ID}
		if err := tx.Get(&mr); err != nil {
			return fmt.Errorf("get raw content: %w", err)
		}
		mr.Content = raw
		if err := tx.Update(&mr); err != nil {
			return fmt.Errorf("update raw content: %w", err)
		}
		sm.Inspected = true
		sm.RawSize = int64(len(raw))
		return tx.Update(sm)
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// annotateIncoming prepends inspection result headers to an incoming
// message and stores the modified content. Like prepareOutgoing, guarded by
// the Inspected flag so it runs once.
func annotateIncoming(ctx context.Context, sm *store.Message, raw []byte) ([]byte, error) {
	spam := "no"
	if t := courier.Conf.Static.Inspection.SpamThreshold; t > 0 && sm.SpamScore >= t {
		spam = "yes"
	}
	prepend := fmt.Sprintf("X-Postal-Spam: %s\r\nX-Postal-Spam-Score: %.1f\r\n", spam, sm.SpamScore)
	if sm.Threat {
		prepend += "X-Postal-Threat: yes\r\nX-Postal-Threat-Details: " + sm.ThreatDetails + "\r\n"
	} else {
		prepend += "X-Postal-Threat: no\r\n"
	}
	raw = append([]byte(prepend), raw...)

	err := store.DB.Write(ctx, func(tx *bstore.Tx) error {
		mr := store.MessageRaw{ID: sm.ID}
		if err := tx.Get(&mr); err != nil {
			return fmt.Errorf("get raw content: %w", err)
		}
		mr.Content = raw
		if err := tx.Update(&mr); err != nil {
			return fmt.Errorf("update raw content: %w", err)
		}
		sm.Inspected = true
		sm.RawSize = int64(len(raw))
		return tx.Update(sm)
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// dkimSelectors returns the key(s) to sign an outgoing message with: the
// sending domain's own key when its DNS check passed, otherwise the
// configured fallback key. Can be empty, then the message goes out unsigned.
func dkimSelectors(ctx context.Context, log mlog.Log, sm *store.Message) ([]dkim.Selector, dns.Domain) {
	if sm.DomainID != 0 {
		dom := store.Domain{ID: sm.DomainID}
		err := store.DB.Get(ctx, &dom)
		if err != nil {
			log.Errorx("loading sending domain for dkim", err, slog.Int64("domain", sm.DomainID))
		} else if dom.DKIMStatus == store.DKIMOK && len(dom.DKIMPrivateKey) > 0 {
			key, err := courier.DKIMParseKey(dom.DKIMPrivateKey)
			if err != nil {
				log.Errorx("parsing dkim key of sending domain", err, slog.String("domain", dom.Name))
			} else {
				seldom, err := dns.ParseDomainLax(dom.DKIMSelector)
				domdom, err2 := dns.ParseDomain(dom.Name)
				if err == nil && err2 == nil {
					return []dkim.Selector{courier.DKIMSelector(key, seldom)}, domdom
				}
				log.Error("bad dkim selector or domain name", slog.String("domain", dom.Name))
			}
		}
	}
	if courier.Conf.DKIMKey != nil {
		return []dkim.Selector{courier.DKIMSelector(courier.Conf.DKIMKey, courier.Conf.DKIMSelector)}, courier.Conf.DKIMDomain
	}
	return nil, dns.Domain{}
}

// deliverIncoming routes an incoming message: link bounces to the original
// outgoing message, then deliver according to the matching route.
func deliverIncoming(ctx context.Context, log mlog.Log, senders *senderCache, m *Msg, sm *store.Message, raw []byte) disposition {
	if sm.Bounce {
		return linkBounce(ctx, log, m, sm, raw)
	}

	if courier.Conf.Static.Inspection.DevHoldIncoming && !m.Manual {
		return disposition{Status: store.StatusHeld, Details: "incoming messages held in development mode"}
	}

	if !sm.Inspected {
		var err error
		raw, err = annotateIncoming(ctx, sm, raw)
		if err != nil {
			return disposition{Status: store.StatusError, Details: fmt.Sprintf("annotating message: %v", err)}
		}
	}

	var route store.Route
	err := store.DB.Read(ctx, func(tx *bstore.Tx) error {
		if sm.RouteID != 0 {
			route = store.Route{ID: sm.RouteID}
			return tx.Get(&route)
		}
		dom, err := bstore.QueryTx[store.Domain](tx).FilterNonzero(store.Domain{Name: m.RecipientDomainStr}).Get()
		if err != nil {
			return err
		}
		route, err = store.ResolveRoute(tx, dom.ID, string(m.RecipientLocalpart))
		return err
	})
	if errors.Is(err, bstore.ErrAbsent) {
		return disposition{Status: store.StatusHardFail, Details: "no route for recipient address", Code: smtp.C550MailboxUnavail, Secode: smtp.SeAddr1UnknownDestMailbox1}
	} else if err != nil {
		return disposition{Status: store.StatusError, Details: fmt.Sprintf("resolving route: %v", err)}
	}

	if t := courier.Conf.Static.Inspection.SpamThreshold; t > 0 && sm.SpamScore >= t {
		switch route.SpamMode {
		case store.SpamQuarantine:
			if !m.Manual {
				return disposition{Status: store.StatusHeld, Details: fmt.Sprintf("quarantined as spam by route, score %.1f", sm.SpamScore)}
			}
		case store.SpamFail:
			return disposition{Status: store.StatusHardFail, Details: fmt.Sprintf("rejected as spam by route, score %.1f", sm.SpamScore), SuppressBounce: true}
		}
	}

	switch route.Mode {
	case store.RouteAccept:
		return disposition{Status: store.StatusProcessed, Details: "accepted by route without endpoint"}
	case store.RouteHold:
		return disposition{Status: store.StatusHeld, Details: "held by route"}
	case store.RouteBounce, store.RouteReject:
		return disposition{Status: store.StatusHardFail, Details: "rejected by route"}
	case store.RouteEndpoint:
		endpoint := store.Endpoint{ID: route.EndpointID}
		if err := store.DB.Get(ctx, &endpoint); err != nil {
			return disposition{Status: store.StatusError, Details: fmt.Sprintf("loading endpoint: %v", err)}
		}
		fn, ok := endpointHandlers[endpoint.Kind]
		if !ok {
			return disposition{Status: store.StatusError, Details: fmt.Sprintf("unknown endpoint kind %q", endpoint.Kind)}
		}
		return fn(ctx, log, senders, m, sm, endpoint, raw)
	}
	return disposition{Status: store.StatusError, Details: fmt.Sprintf("unknown route mode %q", route.Mode)}
}

// endpointHandlers deliver an incoming message to one kind of endpoint.
var endpointHandlers = map[store.EndpointKind]func(ctx context.Context, log mlog.Log, senders *senderCache, m *Msg, sm *store.Message, endpoint store.Endpoint, raw []byte) disposition{
	store.EndpointHTTP:    deliverEndpointHTTP,
	store.EndpointSMTP:    deliverEndpointSMTP,
	store.EndpointAddress: deliverEndpointAddress,
}

func deliverEndpointHTTP(ctx context.Context, log mlog.Log, senders *senderCache, m *Msg, sm *store.Message, endpoint store.Endpoint, raw []byte) disposition {
	sender := senders.http(endpoint.URL)
	disp := sender.Send(ctx, log, m, raw).disposition()
	if disp.Status == store.StatusSent {
		endpointMarkUsed(ctx, log, endpoint.ID)
	}
	return disp
}

func deliverEndpointSMTP(ctx context.Context, log mlog.Log, senders *senderCache, m *Msg, sm *store.Message, endpoint store.Endpoint, raw []byte) disposition {
	sender, err := senders.smtpFixed(endpoint)
	if err != nil {
		return disposition{Status: store.StatusError, Details: fmt.Sprintf("resolving endpoint host: %v", err)}
	}
	disp := sender.Send(ctx, log, m, raw).disposition()
	if disp.Status == store.StatusSent {
		endpointMarkUsed(ctx, log, endpoint.ID)
	}
	return disp
}

func endpointMarkUsed(ctx context.Context, log mlog.Log, endpointID int64) {
	err := store.DB.Write(ctx, func(tx *bstore.Tx) error {
		e := store.Endpoint{ID: endpointID}
		if err := tx.Get(&e); err != nil {
			return err
		}
		e.LastUsedAt = time.Now()
		return tx.Update(&e)
	})
	log.Check(err, "updating endpoint last use", slog.Int64("endpoint", endpointID))
}

// deliverEndpointAddress forwards the message to another address by storing
// and queueing a new outgoing copy.
func deliverEndpointAddress(ctx context.Context, log mlog.Log, senders *senderCache, m *Msg, sm *store.Message, endpoint store.Endpoint, raw []byte) disposition {
	fwd := store.Message{
		ServerID:        m.ServerID,
		Scope:           store.ScopeOutgoing,
		Sender:          sm.Sender,
		Recipient:       endpoint.Address,
		Subject:         sm.Subject,
		MessageIDHeader: sm.MessageIDHeader,
		Bounce:          sm.Bounce,
	}
	err := store.DB.Write(ctx, func(tx *bstore.Tx) error {
		return store.MessageAdd(tx, &fwd, raw)
	})
	if err != nil {
		return disposition{Status: store.StatusError, Details: fmt.Sprintf("storing forwarded message: %v", err)}
	}
	qm, err := MakeMsg(fwd, time.Now())
	if err != nil {
		return disposition{Status: store.StatusHardFail, Details: fmt.Sprintf("bad forwarding address: %v", err), SuppressBounce: true}
	}
	if err := Add(ctx, log, &qm); err != nil {
		return disposition{Status: store.StatusError, Details: fmt.Sprintf("queueing forwarded message: %v", err)}
	}
	return disposition{Status: store.StatusProcessed, Details: "forwarded to " + endpoint.Address}
}

// linkBounce matches an incoming bounce to the outgoing message it is about,
// through the X-Postal-MsgID header that bounces we compose carry, setting
// the original's status to Bounced. A bounce whose original cannot be found
// fails permanently, it never goes through normal routing.
func linkBounce(ctx context.Context, log mlog.Log, m *Msg, sm *store.Message, raw []byte) disposition {
	unlinkable := disposition{Status: store.StatusHardFail, Details: "couldn't link bounce to an earlier message", SuppressBounce: true}

	headers, err := message.ReadHeaders(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return unlinkable
	}
	token, ok := headerGet(headers, "X-Postal-MsgID")
	if !ok {
		return unlinkable
	}

	var orig store.Message
	err = store.DB.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		orig, err = store.MessageByToken(tx, strings.TrimSpace(token))
		if err != nil {
			return err
		}
		sm.BounceForID = orig.ID
		if err := tx.Update(sm); err != nil {
			return err
		}
		d := store.Delivery{
			MessageID: orig.ID,
			Status:    store.StatusBounced,
			Details:   "bounce received from " + m.Sender,
		}
		if err := store.DeliveryAdd(tx, &d); err != nil {
			return err
		}
		orig.Status = store.StatusBounced
		return nil
	})
	if err == bstore.ErrAbsent {
		return unlinkable
	} else if err != nil {
		return disposition{Status: store.StatusError, Details: fmt.Sprintf("linking bounce: %v", err)}
	}

	hookEmit(ctx, log, orig.ServerID, webhook.EventMessageBounced, webhook.MessageBounce{
		OriginalMessage: webhookMessage(orig),
		Bounce:          webhookMessage(*sm),
	})
	return disposition{Status: store.StatusProcessed, Details: fmt.Sprintf("bounce linked to message %s", orig.Token)}
}

// finalize applies the outcome of an attempt: delivery record, queue state,
// bounces, suppression and webhook events.
func finalize(ctx context.Context, log mlog.Log, m *Msg, sm store.Message, disp disposition, cid int64) {
	logID := fmt.Sprintf("%x", cid)
	now := time.Now()

	// A temporary failure on the final allowed attempt becomes permanent.
	if (disp.Status == store.StatusSoftFail || disp.Status == store.StatusError) && m.Attempts >= m.MaxAttempts {
		disp.Status = store.StatusHardFail
		disp.Details = fmt.Sprintf("maximum number of delivery attempts (%d) reached: %s", m.Attempts, disp.Details)
	}

	metricDeliveryResult.WithLabelValues(string(m.Scope), strings.ToLower(string(disp.Status))).Inc()

	d := recordDelivery(ctx, log, m.MessageID, disp.Status, disp.Details, disp.Output, disp.Secure, disp.Duration, logID)

	switch disp.Status {
	case store.StatusSent, store.StatusProcessed, store.StatusBounced:
		err := DB.Write(ctx, func(tx *bstore.Tx) error {
			m.LastError = ""
			return retire(tx, *m, disp.Status, now)
		})
		log.Check(err, "retiring delivered message", slog.Int64("msgid", m.ID))
		if m.Scope == store.ScopeOutgoing && disp.Status == store.StatusSent {
			hookEmit(ctx, log, m.ServerID, webhook.EventMessageSent, webhookStatus(sm, d))
		}
		log.Info("delivered", slog.Int64("msgid", m.ID), slog.Any("status", disp.Status), slog.Int("attempts", m.Attempts))

	case store.StatusHeld:
		err := DB.Write(ctx, func(tx *bstore.Tx) error {
			m.LastError = disp.Details
			return retire(tx, *m, store.StatusHeld, now)
		})
		log.Check(err, "retiring held message", slog.Int64("msgid", m.ID))
		hookEmit(ctx, log, m.ServerID, webhook.EventMessageHeld, webhookStatus(sm, d))
		log.Info("message held", slog.Int64("msgid", m.ID), slog.String("details", disp.Details))

	case store.StatusSoftFail, store.StatusError:
		next := m.NextAttempt // Backoff, already scheduled before the attempt.
		if disp.Retry > 0 {
			// The remote server asked for a specific delay.
			next = now.Add(disp.Retry)
		}
		m.LastError = disp.Details
		err := unlock(ctx, *m, next)
		log.Check(err, "rescheduling message after failed attempt", slog.Int64("msgid", m.ID))
		if m.Scope == store.ScopeOutgoing && disp.Status == store.StatusSoftFail {
			hookEmit(ctx, log, m.ServerID, webhook.EventMessageDelayed, webhookStatus(sm, d))
		}
		log.Info("delivery attempt failed, will retry", slog.Int64("msgid", m.ID), slog.String("details", disp.Details), slog.Time("nextattempt", next))

	case store.StatusHardFail:
		err := DB.Write(ctx, func(tx *bstore.Tx) error {
			m.LastError = disp.Details
			return retire(tx, *m, store.StatusHardFail, now)
		})
		log.Check(err, "retiring failed message", slog.Int64("msgid", m.ID))

		if !disp.SuppressBounce && m.Sender != "" && !sm.Bounce && sm.ID != 0 {
			queueBounce(ctx, log, m, sm, disp)
		}
		if m.Scope == store.ScopeOutgoing && sm.ID != 0 {
			hookEmit(ctx, log, m.ServerID, webhook.EventMessageDeliveryFailed, webhookStatus(sm, d))
			suppressionProcess(ctx, log, m, disp)
		}
		log.Info("delivery failed permanently", slog.Int64("msgid", m.ID), slog.String("details", disp.Details), slog.Int("attempts", m.Attempts))
	}
}

// headerGet returns the value of the first message header with the given
// name, unfolded and trimmed. Names match case-insensitively.
func headerGet(headers []byte, name string) (string, bool) {
	for len(headers) > 0 {
		line := headers
		if i := bytes.IndexByte(headers, '\n'); i >= 0 {
			line = headers[:i+1]
			headers = headers[i+1:]
		} else {
			headers = nil
		}
		k, v, ok := bytes.Cut(line, []byte(":"))
		if !ok || !strings.EqualFold(string(k), name) {
			continue
		}
		value := strings.TrimRight(string(v), "\r\n")
		for len(headers) > 0 && (headers[0] == ' ' || headers[0] == '\t') {
			cont := headers
			if i := bytes.IndexByte(headers, '\n'); i >= 0 {
				cont = headers[:i+1]
				headers = headers[i+1:]
			} else {
				headers = nil
			}
			value += " " + strings.TrimSpace(string(cont))
		}
		return strings.TrimSpace(value), true
	}
	return "", false
}
