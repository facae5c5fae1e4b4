package smtpclient_test

import (
	"context"
	"log"
	"log/slog"
	"net"
	"strings"

	"github.com/courier-mta/courier/dns"
	"github.com/courier-mta/courier/smtpclient"
)

func ExampleClient() {
	// Deliver a message to an SMTP server.

	// Make TCP connection to the server.
	conn, err := net.Dial("tcp", "mx.example.org:25")
	if err != nil {
		log.Fatalf("dial smtp server: %v", err)
	}
	defer conn.Close()

	// Initialize the SMTP session, with a EHLO and STARTTLS when the server
	// announces support for it.
	ctx := context.Background()
	tlsVerifyPKIX := false // Opportunistic TLS, continuing on verification errors.
	localname := dns.Domain{ASCII: "localhost"}
	remotename := dns.Domain{ASCII: "mx.example.org"}
	client, err := smtpclient.New(ctx, slog.Default(), conn, smtpclient.TLSOpportunistic, tlsVerifyPKIX, localname, remotename, smtpclient.Opts{})
	if err != nil {
		log.Fatalf("initialize smtp session: %v", err)
	}
	defer client.Close()

	// Send the message in an SMTP transaction.
	req8bitmime := false // ASCII-only, so 8bitmime not required.
	reqSMTPUTF8 := false // No UTF-8 headers, so smtputf8 not required.
	msg := "From: <sender@example.com>\r\nTo: <other@example.org>\r\nSubject: hi\r\n\r\nnice to test you.\r\n"
	err = client.Deliver(ctx, "sender@example.com", "other@example.org", int64(len(msg)), strings.NewReader(msg), req8bitmime, reqSMTPUTF8)
	if err != nil {
		log.Fatalf("deliver message to smtp server: %v", err)
	}

	// Message has been accepted by the remote server.
}
