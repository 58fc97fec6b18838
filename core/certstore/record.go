package certstore

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"time"
)

// Record is the persisted certificate material for a single domain together
// with the validity window parsed from the leaf certificate.
type Record struct {
	Domain   string
	Chain    []byte // PEM encoded certificate chain, leaf first
	Key      []byte // PEM encoded private key
	IssuedAt time.Time
	NotAfter time.Time
}

// NewRecord builds a record from freshly issued PEM material, parsing the
// leaf certificate for the validity window.
func NewRecord(domain string, chain, key []byte) (*Record, error) {
	rec := &Record{
		Domain: domain,
		Chain:  chain,
		Key:    key,
	}
	if err := rec.parseLeaf(); err != nil {
		return nil, err
	}
	return rec, nil
}

// TimeToExpiry returns the remaining validity relative to now.
func (r *Record) TimeToExpiry(now time.Time) time.Duration {
	return r.NotAfter.Sub(now)
}

// NeedsRenewal reports whether the remaining validity has dropped to or
// below the threshold.
func (r *Record) NeedsRenewal(now time.Time, threshold time.Duration) bool {
	return r.TimeToExpiry(now) <= threshold
}

// bundle serializes the record into its on-disk form: private key first,
// then the chain, so a single file carries the complete pair.
func (r *Record) bundle() []byte {
	var buf bytes.Buffer
	buf.Grow(len(r.Key) + len(r.Chain) + 1)
	buf.Write(r.Key)
	if len(r.Key) > 0 && r.Key[len(r.Key)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.Write(r.Chain)
	return buf.Bytes()
}

func parseBundle(domain string, data []byte) (*Record, error) {
	var key, chain bytes.Buffer

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if strings.HasSuffix(block.Type, "PRIVATE KEY") {
			if err := pem.Encode(&key, block); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, domain, err)
			}
			continue
		}
		if block.Type == "CERTIFICATE" {
			if err := pem.Encode(&chain, block); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, domain, err)
			}
		}
	}

	if key.Len() == 0 || chain.Len() == 0 {
		return nil, fmt.Errorf("%w: %s: incomplete bundle", ErrInvalidRecord, domain)
	}

	rec := &Record{
		Domain: domain,
		Chain:  chain.Bytes(),
		Key:    key.Bytes(),
	}
	if err := rec.parseLeaf(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Record) parseLeaf() error {
	block, _ := pem.Decode(r.Chain)
	if block == nil || block.Type != "CERTIFICATE" {
		return fmt.Errorf("%w: %s: no leaf certificate", ErrInvalidRecord, r.Domain)
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRecord, r.Domain, err)
	}
	r.IssuedAt = leaf.NotBefore
	r.NotAfter = leaf.NotAfter
	return nil
}
