package courier

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/courier-mta/courier/dkim"
	"github.com/courier-mta/courier/dns"
)

// DKIMParseKey parses a PEM-encoded private key for DKIM signing, either RSA
// or ed25519.
func DKIMParseKey(buf []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, fmt.Errorf("no pem block in key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return k, nil
		default:
			return nil, fmt.Errorf("unsupported key type %T", key)
		}
	}
	return nil, fmt.Errorf("unknown pem block type %q", block.Type)
}

// DKIMSignHeaders are the header fields we sign, and seal against later
// additions.
var DKIMSignHeaders = strings.Split("From,To,Subject,Date,Message-Id,Content-Type", ",")

// DKIMSelector returns a selector with our signing parameters for the key.
func DKIMSelector(key crypto.Signer, selector dns.Domain) dkim.Selector {
	return dkim.Selector{
		Hash:          "sha256",
		HeaderRelaxed: true,
		BodyRelaxed:   true,
		Headers:       DKIMSignHeaders,
		SealHeaders:   true,
		PrivateKey:    key,
		Domain:        selector,
	}
}
