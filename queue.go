package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/queue"
	"github.com/courier-mta/courier/store"
)

// Opens the queue database directly. The serve process must not be running,
// the database is locked by a single process at a time.
func xopenQueue(c *cmd) {
	mustLoadConfig(c)
	err := store.Init(courier.Shutdown, courier.DataDirPath("store/index.db"))
	xcheckf(err, "opening message store")
	err = queue.Init(courier.Shutdown)
	xcheckf(err, "opening queue")
}

func flagFilter(fs *flag.FlagSet, f *queue.Filter) {
	fs.IntVar(&f.Max, "n", 0, "max number of entries to match, 0 for all")
	fs.Func("ids", "comma-separated message ids", func(v string) error {
		for _, s := range strings.Split(v, ",") {
			id, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return err
			}
			f.IDs = append(f.IDs, id)
		}
		return nil
	})
	fs.Int64Var(&f.ServerID, "server", 0, "server id the message belongs to")
	fs.StringVar(&f.Sender, "sender", "", "envelope sender address")
	fs.StringVar(&f.Recipient, "recipient", "", "recipient address, or @domain for all recipients of a domain")
	fs.Func("transport", "transport name, empty string for direct delivery", func(v string) error {
		f.Transport = &v
		return nil
	})
	fs.StringVar(&f.Queued, "queued", "", "filter by time since queueing, e.g. <10m or >1h")
	fs.StringVar(&f.NextAttempt, "nextattempt", "", "filter by time of next delivery attempt, e.g. <10m or >1h")
}

func cmdQueueList(c *cmd) {
	c.params = "[filterflags]"
	c.help = `List matching messages in the delivery queue.

Prints each message with its attempts, next scheduled attempt and last error.
`
	var f queue.Filter
	flagFilter(c.flag, &f)
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	xopenQueue(c)

	msgs, err := queue.List(courier.Shutdown, f)
	xcheckf(err, "listing queue")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprint(w, "id\tserver\tsender\trecipient\tattempts\tnextattempt\tlasterror\n")
	now := time.Now()
	for _, m := range msgs {
		next := m.NextAttempt.Sub(now).Round(time.Second)
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d/%d\t%v\t%s\n", m.ID, m.ServerID, m.Sender, m.Recipient(), m.Attempts, m.MaxAttempts, next, m.LastError)
	}
	err = w.Flush()
	xcheckf(err, "writing output")
}

func cmdQueueCount(c *cmd) {
	c.params = "[filterflags]"
	c.help = "Print the number of matching messages in the delivery queue."
	var f queue.Filter
	flagFilter(c.flag, &f)
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	xopenQueue(c)

	n, err := queue.Count(courier.Shutdown, f)
	xcheckf(err, "counting queue")
	fmt.Println(n)
}

func cmdQueueKick(c *cmd) {
	c.params = "[filterflags]"
	c.help = `Schedule matching messages for immediate delivery.

Kicked messages are delivered even if their server is in development mode or
the stored message is marked held.
`
	var f queue.Filter
	flagFilter(c.flag, &f)
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	xopenQueue(c)

	n, err := queue.Kick(courier.Shutdown, f)
	xcheckf(err, "kicking queue")
	fmt.Printf("%d message(s) scheduled\n", n)
}

func cmdQueueDrop(c *cmd) {
	c.params = "[filterflags]"
	c.help = `Remove matching messages from the delivery queue.

The messages fail permanently, without a bounce to the sender.
`
	var f queue.Filter
	flagFilter(c.flag, &f)
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	xopenQueue(c)

	n, err := queue.Drop(courier.Shutdown, c.log, f)
	xcheckf(err, "dropping from queue")
	fmt.Printf("%d message(s) dropped\n", n)
}

func cmdQueueRetired(c *cmd) {
	c.params = "[-n max]"
	c.help = "List recently retired queue messages, most recent first."
	max := c.flag.Int("n", 100, "max number of entries to list")
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	xopenQueue(c)

	retired, err := queue.RetiredList(courier.Shutdown, *max)
	xcheckf(err, "listing retired messages")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprint(w, "id\tserver\trecipient\tstatus\tattempts\tlastactivity\tlasterror\n")
	for _, m := range retired {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d\t%s\t%s\n", m.ID, m.ServerID, m.RecipientAddress, m.Status, m.Attempts, m.LastActivity.Format(time.RFC3339), m.LastError)
	}
	err = w.Flush()
	xcheckf(err, "writing output")
}

func cmdWebhookList(c *cmd) {
	c.params = "[-n max] [-server id] [-event name]"
	c.help = "List webhooks waiting to be delivered."
	var f queue.HookFilter
	c.flag.IntVar(&f.Max, "n", 0, "max number of entries to list, 0 for all")
	c.flag.Int64Var(&f.ServerID, "server", 0, "server id the webhook belongs to")
	c.flag.StringVar(&f.Event, "event", "", "event name, e.g. MessageSent")
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	xopenQueue(c)

	hooks, err := queue.HookList(courier.Shutdown, f)
	xcheckf(err, "listing webhooks")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprint(w, "id\tserver\tevent\turl\tattempts\tnextattempt\tlasterror\n")
	now := time.Now()
	for _, h := range hooks {
		next := h.NextAttempt.Sub(now).Round(time.Second)
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d\t%v\t%s\n", h.ID, h.ServerID, h.Event, h.URL, h.Attempts, next, h.LastResult().Error)
	}
	err = w.Flush()
	xcheckf(err, "writing output")
}

func cmdWebhookRetired(c *cmd) {
	c.params = "[-n max]"
	c.help = "List recently delivered or failed webhooks, most recent first."
	max := c.flag.Int("n", 100, "max number of entries to list")
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	xopenQueue(c)

	retired, err := queue.HookRetiredList(courier.Shutdown, *max)
	xcheckf(err, "listing retired webhooks")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprint(w, "id\tserver\tevent\turl\tattempts\tsuccess\tlastactivity\n")
	for _, h := range retired {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d\t%v\t%s\n", h.ID, h.ServerID, h.Event, h.URL, h.Attempts, h.Success, h.LastActivity.Format(time.RFC3339))
	}
	err = w.Flush()
	xcheckf(err, "writing output")
}

func cmdSuppressionList(c *cmd) {
	c.params = "[-server id]"
	c.help = "List addresses on the suppression list."
	serverID := c.flag.Int64("server", 0, "only show suppressions for this server id, 0 for all")
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	xopenQueue(c)

	l, err := queue.SuppressionList(courier.Shutdown, *serverID)
	xcheckf(err, "listing suppressions")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprint(w, "server\taddress\ttype\treason\texpiry\n")
	for _, sup := range l {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", sup.ServerID, sup.OriginalAddress, sup.Type, sup.Reason, sup.Expiry.Format(time.RFC3339))
	}
	err = w.Flush()
	xcheckf(err, "writing output")
}

func cmdSuppressionAdd(c *cmd) {
	c.params = "serverid address [reason]"
	c.help = `Add an address to the suppression list of a server.

Outgoing messages for the address are held instead of delivered, until the
suppression expires or is removed. Variants of the address (dots, +tag and
-tag suffixes in the localpart) are suppressed as well.
`
	args := c.Parse()
	if len(args) != 2 && len(args) != 3 {
		c.Usage()
	}
	serverID, err := strconv.ParseInt(args[0], 10, 64)
	xcheckf(err, "parsing server id")
	var reason string
	if len(args) == 3 {
		reason = args[2]
	}
	xopenQueue(c)

	sup := queue.Suppression{
		ServerID:        serverID,
		OriginalAddress: args[1],
		Type:            queue.SuppressionManual,
		Reason:          reason,
	}
	err = queue.SuppressionAdd(courier.Shutdown, &sup)
	xcheckf(err, "adding suppression")
	fmt.Printf("suppressed %s until %s\n", sup.BaseAddress, sup.Expiry.Format(time.RFC3339))
}

func cmdSuppressionRemove(c *cmd) {
	c.params = "serverid address"
	c.help = "Remove an address from the suppression list of a server."
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	serverID, err := strconv.ParseInt(args[0], 10, 64)
	xcheckf(err, "parsing server id")
	xopenQueue(c)

	err = queue.SuppressionRemove(courier.Shutdown, serverID, args[1])
	xcheckf(err, "removing suppression")
}
