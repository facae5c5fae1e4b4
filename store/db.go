package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mjl-/bstore"

	"github.com/courier-mta/courier/mlog"
)

var xlog = mlog.New("store", nil)

// DB is the open message database, set with Init.
var DB *bstore.DB

// ErrNoRaw is returned when the raw content of a message was purged by
// retention, or never stored.
var ErrNoRaw = errors.New("store: message raw content not available")

// DeliveryOutputMax is the maximum size of remote output stored with a
// delivery attempt.
const DeliveryOutputMax = 512

// Init opens the message database at path, creating it if needed.
func Init(ctx context.Context, path string) error {
	if DB != nil {
		return fmt.Errorf("already initialized")
	}
	os.MkdirAll(filepath.Dir(path), 0770)
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: xlog.Logger}
	db, err := bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		return fmt.Errorf("open message database: %v", err)
	}
	DB = db
	return nil
}

// Close closes the message database.
func Close() error {
	if DB == nil {
		return nil
	}
	err := DB.Close()
	DB = nil
	return err
}

// MessageAdd inserts a message and its raw content in the transaction,
// assigning a public token and setting the initial status.
func MessageAdd(tx *bstore.Tx, m *Message, raw []byte) error {
	if m.Token == "" {
		m.Token = uuid.New().String()
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	m.StatusChangedAt = time.Now()
	m.RawSize = int64(len(raw))
	if err := tx.Insert(m); err != nil {
		return fmt.Errorf("insert message: %v", err)
	}
	if err := tx.Insert(&MessageRaw{ID: m.ID, Content: raw}); err != nil {
		return fmt.Errorf("insert message raw: %v", err)
	}
	return nil
}

// MessageRawGet returns the raw content of a message, or ErrNoRaw if it was
// purged.
func MessageRawGet(tx *bstore.Tx, messageID int64) ([]byte, error) {
	mr := MessageRaw{ID: messageID}
	if err := tx.Get(&mr); err == bstore.ErrAbsent {
		return nil, ErrNoRaw
	} else if err != nil {
		return nil, err
	}
	return mr.Content, nil
}

// MessageRawPurge removes raw content of a message, marking the message as
// purged.
func MessageRawPurge(tx *bstore.Tx, messageID int64) error {
	if err := tx.Delete(&MessageRaw{ID: messageID}); err != nil && err != bstore.ErrAbsent {
		return err
	}
	m := Message{ID: messageID}
	if err := tx.Get(&m); err != nil {
		return err
	}
	m.RawPurged = true
	return tx.Update(&m)
}

// DeliveryAdd records a delivery attempt and updates the message status in
// the same transaction. The remote output is truncated.
func DeliveryAdd(tx *bstore.Tx, d *Delivery) error {
	if len(d.Output) > DeliveryOutputMax {
		d.Output = d.Output[:DeliveryOutputMax]
	}
	if err := tx.Insert(d); err != nil {
		return fmt.Errorf("insert delivery: %v", err)
	}
	m := Message{ID: d.MessageID}
	if err := tx.Get(&m); err != nil {
		return fmt.Errorf("get message for delivery: %v", err)
	}
	m.Status = d.Status
	m.StatusChangedAt = time.Now()
	if err := tx.Update(&m); err != nil {
		return fmt.Errorf("update message status: %v", err)
	}
	return nil
}

// MessageByToken returns the message with the given public token.
func MessageByToken(tx *bstore.Tx, token string) (Message, error) {
	q := bstore.QueryTx[Message](tx)
	q.FilterNonzero(Message{Token: token})
	return q.Get()
}

// ResolveRoute finds the route for a localpart within a domain: an exact
// pattern match wins, then a "*" wildcard, then the domain catch-all (empty
// pattern).
func ResolveRoute(tx *bstore.Tx, domainID int64, localpart string) (Route, error) {
	routes, err := bstore.QueryTx[Route](tx).FilterNonzero(Route{DomainID: domainID}).List()
	if err != nil {
		return Route{}, err
	}
	var wildcard, catchall *Route
	for i, r := range routes {
		switch r.Pattern {
		case localpart:
			return r, nil
		case "*":
			wildcard = &routes[i]
		case "":
			catchall = &routes[i]
		}
	}
	if wildcard != nil {
		return *wildcard, nil
	}
	if catchall != nil {
		return *catchall, nil
	}
	return Route{}, bstore.ErrAbsent
}

// SendLimitInc counts an outgoing send against the server's rolling hour
// window. It returns false when the limit is reached, without counting.
func SendLimitInc(tx *bstore.Tx, serverID int64, now time.Time) (bool, error) {
	s := Server{ID: serverID}
	if err := tx.Get(&s); err != nil {
		return false, err
	}
	if now.Sub(s.SendWindowStart) >= time.Hour {
		s.SendWindowStart = now
		s.SendCount = 0
	}
	if s.SendLimit > 0 && s.SendCount >= s.SendLimit {
		return false, nil
	}
	s.SendCount++
	return true, tx.Update(&s)
}
