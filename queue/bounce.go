package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/mjl-/bstore"

	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/mlog"
	"github.com/courier-mta/courier/store"
)

// queueBounce composes a delivery failure report for a permanently failed
// outgoing message and queues it back to the sender. The report carries the
// token of the failed message in an X-Postal-MsgID header, so an eventual
// reply to the report can be linked back as well. Bounces are sent with the
// null return path and are never bounced themselves.
func queueBounce(ctx context.Context, log mlog.Log, m *Msg, sm store.Message, disp disposition) {
	raw := composeBounce(m, sm, disp)

	bm := store.Message{
		ServerID:  m.ServerID,
		Scope:     store.ScopeOutgoing,
		Sender:    "",
		Recipient: m.Sender,
		Subject:   "Mail Delivery Failed",
		Bounce:    true,
	}
	err := store.DB.Write(ctx, func(tx *bstore.Tx) error {
		return store.MessageAdd(tx, &bm, raw)
	})
	if err != nil {
		log.Errorx("storing bounce message", err, slog.Int64("msgid", m.ID))
		return
	}

	qm, err := MakeMsg(bm, time.Now())
	if err != nil {
		log.Errorx("making queue message for bounce", err, slog.Int64("msgid", m.ID))
		return
	}
	if err := Add(ctx, log, &qm); err != nil {
		log.Errorx("queueing bounce message", err, slog.Int64("msgid", m.ID))
		return
	}
	log.Debug("bounce queued", slog.Int64("msgid", m.ID), slog.Int64("bounceid", qm.ID), slog.String("recipient", m.Sender))
}

// composeBounce returns a plain-text failure report.
func composeBounce(m *Msg, sm store.Message, disp disposition) []byte {
	now := time.Now()
	postmaster := "postmaster@" + courier.Conf.Static.HostnameDomain.ASCII

	output := disp.Output
	if output == "" {
		output = disp.Details
	}

	msg := fmt.Sprintf(`From: Mail Delivery Service <%s>
To: %s
Subject: Mail Delivery Failed (%s)
Message-Id: <%s>
Date: %s
X-Postal-MsgID: %s
Auto-Submitted: auto-replied
Content-Type: text/plain; charset=utf-8

Your message could not be delivered.

  Recipient: %s
  Attempts: %d
  Last error: %s

The response from the remote server was:

  %s

This report was generated automatically. The original message is not
included, contact your postmaster if you need a full copy.
`,
		postmaster,
		m.Sender,
		m.Recipient(),
		courier.MessageIDGen(false),
		now.Format("Mon, 2 Jan 2006 15:04:05 -0700"),
		sm.Token,
		m.Recipient(),
		m.Attempts,
		disp.Details,
		output,
	)
	// Message headers and bodies use crlf line endings on the wire.
	return []byte(strings.ReplaceAll(msg, "\n", "\r\n"))
}
