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
	"github.com/courier-mta/courier/smtp"
	"github.com/courier-mta/courier/store"
)

// Suppression types.
const (
	SuppressionManual    = "manual"    // Added by an admin or through the API.
	SuppressionAutomatic = "automatic" // Added after delivery failures.
)

// Suppression is an address we won't try to deliver to for a while. Outgoing
// messages for a suppressed recipient are held instead of sent. Suppressions
// are scoped to a server, and expire.
type Suppression struct {
	ID       int64
	ServerID int64 `bstore:"index"`

	// Address with localpart simplified: anything after "+" or "-" removed,
	// dots removed, lowercased. Suppressing one variant suppresses them all.
	BaseAddress     string `bstore:"nonzero,index"`
	OriginalAddress string `bstore:"nonzero"`

	Type   string `bstore:"nonzero"` // "manual" or "automatic".
	Reason string

	Created time.Time `bstore:"default now"`
	Expiry  time.Time `bstore:"index"`
}

// baseAddress simplifies an address for suppression matching: the localpart
// is cut at "+" and "-", dots are dropped and it is lowercased. Senders often
// use such variants of one underlying mailbox.
func baseAddress(address string) string {
	addr, err := smtp.ParseAddress(address)
	if err != nil {
		return strings.ToLower(address)
	}
	s := string(addr.Localpart)
	s, _, _ = strings.Cut(s, "+")
	s, _, _ = strings.Cut(s, "-")
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ToLower(s)
	return s + "@" + addr.Domain.Name()
}

// SuppressionList returns suppressions, for all servers if serverID is 0.
func SuppressionList(ctx context.Context, serverID int64) ([]Suppression, error) {
	q := bstore.QueryDB[Suppression](ctx, DB)
	if serverID != 0 {
		q.FilterNonzero(Suppression{ServerID: serverID})
	}
	q.SortDesc("Created")
	return q.List()
}

// SuppressionLookup returns the active suppression for an address within a
// server, or nil if there is none. Expired entries don't count, they are
// removed by the cleanup pass.
func SuppressionLookup(ctx context.Context, serverID int64, address string) (*Suppression, error) {
	q := bstore.QueryDB[Suppression](ctx, DB)
	q.FilterNonzero(Suppression{ServerID: serverID, BaseAddress: baseAddress(address)})
	q.FilterGreater("Expiry", time.Now())
	sup, err := q.Get()
	if err == bstore.ErrAbsent {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &sup, nil
}

// SuppressionAdd adds a suppression for an address, replacing an existing
// entry for its base address.
func SuppressionAdd(ctx context.Context, sup *Suppression) error {
	sup.BaseAddress = baseAddress(sup.OriginalAddress)
	if sup.Expiry.IsZero() {
		sup.Expiry = time.Now().Add(courier.Conf.SuppressionExpiry())
	}
	return DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Suppression](tx)
		q.FilterNonzero(Suppression{ServerID: sup.ServerID, BaseAddress: sup.BaseAddress})
		if _, err := q.Delete(); err != nil {
			return err
		}
		return tx.Insert(sup)
	})
}

// SuppressionRemove removes the suppression for an address within a server.
// Returns bstore.ErrAbsent if there was none.
func SuppressionRemove(ctx context.Context, serverID int64, address string) error {
	q := bstore.QueryDB[Suppression](ctx, DB)
	q.FilterNonzero(Suppression{ServerID: serverID, BaseAddress: baseAddress(address)})
	n, err := q.Delete()
	if err != nil {
		return err
	}
	if n == 0 {
		return bstore.ErrAbsent
	}
	return nil
}

// suppressionProcess decides after a permanent delivery failure whether the
// recipient goes on the suppression list: immediately for responses saying
// the address will never work, or after repeated hard failures for the
// address within the configured window. Remote servers start treating us as
// a spammer if we keep knocking.
func suppressionProcess(ctx context.Context, log mlog.Log, m *Msg, disp disposition) {
	baseAddr := baseAddress(m.Recipient())

	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Suppression](tx)
		q.FilterNonzero(Suppression{ServerID: m.ServerID, BaseAddress: baseAddr})
		q.FilterGreater("Expiry", time.Now())
		exists, err := q.Exists()
		if err != nil {
			return fmt.Errorf("checking if address is in suppression list: %v", err)
		} else if exists {
			return nil
		}

		var reason string
		if isImmediateBlock(disp.Code, disp.Secode) {
			reason = fmt.Sprintf("delivery failure with smtp code %d, enhanced code %q", disp.Code, disp.Secode)
		} else {
			window := time.Now().Add(-courier.Conf.SuppressionWindow())
			fq := bstore.QueryTx[MsgRetired](tx)
			fq.FilterNonzero(MsgRetired{RecipientAddress: m.Recipient()})
			fq.FilterEqual("Status", store.StatusHardFail)
			fq.FilterGreater("LastActivity", window)
			n, err := fq.Count()
			if err != nil {
				return fmt.Errorf("counting recent delivery failures: %v", err)
			}
			if n < courier.Conf.SuppressionHardFails() {
				return nil
			}
			reason = "too many hard fails"
		}

		sup := Suppression{
			ServerID:        m.ServerID,
			BaseAddress:     baseAddr,
			OriginalAddress: m.Recipient(),
			Type:            SuppressionAutomatic,
			Reason:          reason,
			Expiry:          time.Now().Add(courier.Conf.SuppressionExpiry()),
		}
		if err := tx.Insert(&sup); err != nil {
			return fmt.Errorf("inserting suppression: %v", err)
		}
		log.Info("address added to suppression list",
			slog.String("address", baseAddr),
			slog.Int64("server", m.ServerID),
			slog.String("reason", reason))
		return nil
	})
	log.Check(err, "processing delivery failure for suppression list")
}

// suppressionReap removes expired suppressions.
func suppressionReap(ctx context.Context, log mlog.Log, now time.Time) {
	n, err := bstore.QueryDB[Suppression](ctx, DB).FilterLessEqual("Expiry", now).Delete()
	log.Check(err, "removing expired suppressions")
	if n > 0 {
		log.Debug("removed expired suppressions", slog.Int("count", n))
	}
}

// isImmediateBlock says whether an SMTP response is a reason to suppress the
// address right away, without waiting for repeated failures. For these
// errors the remote told us the address will not start working.
func isImmediateBlock(code int, secode string) bool {
	switch code {
	case smtp.C521HostNoMail, // Host is not interested in accepting email at all.
		smtp.C550MailboxUnavail, // Likely mailbox does not exist.
		smtp.C551UserNotLocal,   // Also not interested in accepting email for this address.
		smtp.C553BadMailbox,     // We are sending a mailbox name that server doesn't understand and won't accept email for.
		smtp.C556DomainNoMail:   // Remote is not going to accept email for this address/domain.
		return true
	}
	if code/100 != 5 {
		return false
	}
	switch secode {
	case smtp.SeAddr1UnknownDestMailbox1, // Recipient localpart doesn't exist.
		smtp.SeAddr1UnknownSystem2,    // Bad recipient domain.
		smtp.SeAddr1MailboxSyntax3,    // Remote doesn't understand syntax.
		smtp.SeAddr1DestMailboxMoved6, // Address no longer exists.
		smtp.SeMailbox2Disabled1,      // Account exists at remote, but is disabled.
		smtp.SePol7DeliveryUnauth1:    // Seems popular for saying we are on a blocklist.
		return true
	}
	return false
}
