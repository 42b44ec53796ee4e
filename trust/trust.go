// Package trust implements the trust database (OpenPGP key fingerprint
// -> authorized feed domains) and the detached-signature verifier, per
// spec §4.C and §6's "Persisted state" trustdb.xml path. Grounded on
// rope's encoding/xml use in index.go for the file format, and on
// yaklabco-dot's indirect ProtonMail/go-crypto dependency (pulled in via
// go-git there; promoted to a direct use here, since this is exactly the
// library's purpose).
package trust

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// DB is the trust database: a mapping from OpenPGP key fingerprint to
// the set of feed domains that key is trusted to sign for.
type DB struct {
	Path string

	keys map[string]map[string]bool // fingerprint -> domains
}

type trustDBXML struct {
	XMLName xml.Name  `xml:"trusted-keys"`
	Keys    []keyXML  `xml:"key"`
}

type keyXML struct {
	Fingerprint string      `xml:"fingerprint,attr"`
	Domains     []domainXML `xml:"domain"`
}

type domainXML struct {
	Value string `xml:"value,attr"`
}

// Load reads the trust database from path, or returns an empty one if it
// does not yet exist.
func Load(path string) (*DB, error) {
	db := &DB{Path: path, keys: map[string]map[string]bool{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return db, nil
	} else if err != nil {
		return nil, fmt.Errorf("trust: reading %q: %w", path, err)
	}

	var doc trustDBXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("trust: parsing %q: %w", path, err)
	}

	for _, k := range doc.Keys {
		domains := map[string]bool{}
		for _, d := range k.Domains {
			domains[d.Value] = true
		}
		db.keys[k.Fingerprint] = domains
	}
	return db, nil
}

// IsTrusted reports whether fingerprint is authorized to sign for domain.
func (db *DB) IsTrusted(fingerprint, domain string) bool {
	domains, ok := db.keys[fingerprint]
	if !ok {
		return false
	}
	return domains[domain]
}

// Trust records that fingerprint is authorized to sign for domain and
// persists the updated database under an exclusive lock, per spec §5
// ("writes use read-modify-write under an exclusive file lock").
func (db *DB) Trust(fingerprint, domain string) error {
	lockPath := db.Path + ".lock"
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o666)
	if err != nil {
		return fmt.Errorf("trust: acquiring lock: %w", err)
	}
	defer func() {
		lock.Close()
		os.Remove(lockPath)
	}()

	fresh, err := Load(db.Path)
	if err != nil {
		return err
	}
	db.keys = fresh.keys

	if db.keys[fingerprint] == nil {
		db.keys[fingerprint] = map[string]bool{}
	}
	db.keys[fingerprint][domain] = true

	return db.save()
}

func (db *DB) save() error {
	var doc trustDBXML

	fingerprints := make([]string, 0, len(db.keys))
	for fp := range db.keys {
		fingerprints = append(fingerprints, fp)
	}
	sort.Strings(fingerprints)

	for _, fp := range fingerprints {
		domains := make([]string, 0, len(db.keys[fp]))
		for d := range db.keys[fp] {
			domains = append(domains, d)
		}
		sort.Strings(domains)

		var domainEntries []domainXML
		for _, d := range domains {
			domainEntries = append(domainEntries, domainXML{Value: d})
		}
		doc.Keys = append(doc.Keys, keyXML{Fingerprint: fp, Domains: domainEntries})
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("trust: encoding: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(db.Path), 0o777); err != nil {
		return fmt.Errorf("trust: creating directory: %w", err)
	}

	tmp := db.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("trust: writing temp file: %w", err)
	}
	return os.Rename(tmp, db.Path)
}

// KeyApprover is called when a feed is signed by a key whose fingerprint
// has never been seen for its domain. Approving the key causes the
// verifier to trust it and accept the feed.
type KeyApprover interface {
	ApproveKey(fingerprint, domain string) (approved bool, err error)
}

// GoodSignature is one detached signature that verified against a known
// key and whose fingerprint is (now) trusted for the feed's domain.
type GoodSignature struct {
	Fingerprint string
}

// UntrustedFeedError is spec §7's UntrustedFeed: no signature trailer on
// the feed was both cryptographically valid and authorized for its
// domain.
type UntrustedFeedError struct {
	Domain string
}

func (e *UntrustedFeedError) Error() string {
	return fmt.Sprintf("trust: no good signature for domain %q", e.Domain)
}

// Verifier checks a feed's detached-signature trailer against a keyring
// and the trust database.
type Verifier struct {
	DB      *DB
	KeyRing openpgp.EntityList
	Approve KeyApprover
}

// Verify checks signedPayload against every signature block in
// signatures (each an ASCII-armored, binary, or base64-encoded binary
// detached OpenPGP signature) and returns the set of good signatures for
// domain. Each valid signature whose signer is not yet trusted for domain
// is offered to Approve; an approved signer is recorded in DB and counted
// as good. If no good signature results, it returns *UntrustedFeedError.
func (v *Verifier) Verify(signedPayload []byte, signatures [][]byte, domain string) ([]GoodSignature, error) {
	var good []GoodSignature

	for _, sig := range signatures {
		fingerprint, err := checkDetachedSignature(v.KeyRing, signedPayload, sig)
		if err != nil {
			continue // cryptographically invalid or unknown signer key
		}

		if v.DB.IsTrusted(fingerprint, domain) {
			good = append(good, GoodSignature{Fingerprint: fingerprint})
			continue
		}

		if v.Approve != nil {
			approved, err := v.Approve.ApproveKey(fingerprint, domain)
			if err == nil && approved {
				if err := v.DB.Trust(fingerprint, domain); err == nil {
					good = append(good, GoodSignature{Fingerprint: fingerprint})
				}
			}
		}
	}

	if len(good) == 0 {
		return nil, &UntrustedFeedError{Domain: domain}
	}
	return good, nil
}

func checkDetachedSignature(keyring openpgp.EntityList, payload, sig []byte) (fingerprint string, err error) {
	signer, err := openpgp.CheckArmoredDetachedSignature(keyring, bytes.NewReader(payload), bytes.NewReader(sig), nil)
	if err != nil {
		raw := sig
		// Feed trailers carry the binary signature base64-encoded.
		if decoded, decErr := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(string(sig)), "")); decErr == nil {
			raw = decoded
		}
		signer, err = openpgp.CheckDetachedSignature(keyring, bytes.NewReader(payload), bytes.NewReader(raw), nil)
		if err != nil {
			return "", err
		}
	}
	if signer == nil || signer.PrimaryKey == nil {
		return "", fmt.Errorf("trust: signature has no identifiable signer")
	}
	return fmt.Sprintf("%X", signer.PrimaryKey.Fingerprint), nil
}

// SplitSignatureTrailer separates a feed document's signed payload from
// its trailing signature comments, per spec §6: "bytes before the first
// such marker are the signed payload." Each signature block is delimited
// by "<!-- Base64 Signature ... -->" ... "<!-- /Sig -->".
func SplitSignatureTrailer(feedBytes []byte) (payload []byte, signatures [][]byte, err error) {
	const startMarker = "<!-- Base64 Signature"
	const endMarker = "<!-- /Sig -->"

	idx := bytes.Index(feedBytes, []byte(startMarker))
	if idx < 0 {
		return feedBytes, nil, nil
	}

	payload = feedBytes[:idx]
	rest := string(feedBytes[idx:])

	for {
		start := strings.Index(rest, startMarker)
		if start < 0 {
			break
		}
		rest = rest[start+len(startMarker):]
		end := strings.Index(rest, endMarker)
		if end < 0 {
			return nil, nil, fmt.Errorf("trust: unterminated signature block")
		}
		block := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest[:end]), "-->"))
		signatures = append(signatures, []byte(block))
		rest = rest[end+len(endMarker):]
	}

	return payload, signatures, nil
}
