// Package manifest builds and verifies the canonical textual description
// of an implementation's file tree, per spec §3 "Manifest" and §6
// "Manifest algorithms". The manifest's digest, under the nominated hash,
// is the implementation's identity: the directory name on disk is
// <alg>=<hex>.
package manifest

import (
	"bufio"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Algorithm names one of the four manifest digest algorithms.
type Algorithm string

const (
	SHA1      Algorithm = "sha1"
	SHA1New   Algorithm = "sha1new"
	SHA256    Algorithm = "sha256"
	SHA256New Algorithm = "sha256new"
)

// preferenceOrder resolves spec §9 Open Question 1 ("which algorithm is
// authoritative when several are listed"): prefer the strongest the
// store's builder supports, in this fixed order.
var preferenceOrder = []Algorithm{SHA256New, SHA256, SHA1New, SHA1}

// PreferredAlgorithm returns the strongest algorithm in available,
// according to preferenceOrder, or "" if none are recognized.
func PreferredAlgorithm(available []string) Algorithm {
	set := make(map[Algorithm]bool, len(available))
	for _, a := range available {
		set[Algorithm(a)] = true
	}
	for _, alg := range preferenceOrder {
		if set[alg] {
			return alg
		}
	}
	return ""
}

func (a Algorithm) valid() bool {
	switch a {
	case SHA1, SHA1New, SHA256, SHA256New:
		return true
	}
	return false
}

// includesMtime resolves spec §9 Open Question 2. Spec §6 is explicit
// that "sha256: same format as sha1new" — so only the legacy sha1
// algorithm includes the directory mtime in `D` lines; sha1new, sha256,
// and sha256new all omit it.
func (a Algorithm) includesMtime() bool {
	return a == SHA1
}

func (a Algorithm) newHash() hash.Hash {
	switch a {
	case SHA1, SHA1New:
		return sha1.New()
	case SHA256, SHA256New:
		return sha256.New()
	default:
		panic("manifest: unknown algorithm " + string(a))
	}
}

// NewHash returns a fresh hash.Hash for alg, exported for callers (the
// store's rename-collision re-verification path) that need to hash raw
// bytes without walking a tree.
func NewHash(alg Algorithm) hash.Hash {
	return alg.newHash()
}

// HashFile returns the hex digest of path's contents under alg.
func HashFile(path string, alg Algorithm) (string, error) {
	return hashFile(path, alg)
}

// Build walks root depth-first, byte-sorted within each directory, and
// returns the manifest's line-based text and the hex digest of that text
// under alg.
func Build(root string, alg Algorithm) (text string, digest string, err error) {
	if !alg.valid() {
		return "", "", fmt.Errorf("manifest: unsupported algorithm %q", alg)
	}

	var lines []string
	if err := walk(root, "", alg, &lines); err != nil {
		return "", "", err
	}

	text = strings.Join(lines, "\n")
	if len(lines) > 0 {
		text += "\n"
	}

	h := alg.newHash()
	io.WriteString(h, text)
	return text, fmt.Sprintf("%x", h.Sum(nil)), nil
}

// walk recurses into dir (a path relative to root; "" for the root
// itself), appending one manifest line per entry in byte-sorted order.
func walk(root, dir string, alg Algorithm, lines *[]string) error {
	full := filepath.Join(root, dir)
	entries, err := os.ReadDir(full)
	if err != nil {
		return fmt.Errorf("manifest: reading %q: %w", full, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if name == ".manifest" && dir == "" {
			continue
		}
		relPath := name
		if dir != "" {
			relPath = dir + "/" + name
		}
		entryPath := filepath.Join(root, relPath)

		info, err := os.Lstat(entryPath)
		if err != nil {
			return fmt.Errorf("manifest: stat %q: %w", entryPath, err)
		}

		if strings.Contains(name, "\n") {
			return fmt.Errorf("manifest: filename with embedded newline: %q", relPath)
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(entryPath)
			if err != nil {
				return fmt.Errorf("manifest: readlink %q: %w", entryPath, err)
			}
			h := alg.newHash()
			io.WriteString(h, target)
			*lines = append(*lines, fmt.Sprintf("S %x %d %s", h.Sum(nil), len(target), relPath))

		case info.IsDir():
			if alg.includesMtime() {
				*lines = append(*lines, fmt.Sprintf("D %d %s", info.ModTime().Unix(), relPath))
			} else {
				*lines = append(*lines, fmt.Sprintf("D %s", relPath))
			}
			if err := walk(root, relPath, alg, lines); err != nil {
				return err
			}

		default:
			digest, err := hashFile(entryPath, alg)
			if err != nil {
				return err
			}
			kind := "F"
			if info.Mode()&0o111 != 0 {
				kind = "X"
			}
			mtime := int64(0)
			if alg == SHA1 {
				mtime = info.ModTime().Unix()
			}
			*lines = append(*lines, fmt.Sprintf("%s %s %d %d %s", kind, digest, mtime, info.Size(), relPath))
		}
	}

	return nil
}

func hashFile(path string, alg Algorithm) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("manifest: opening %q: %w", path, err)
	}
	defer f.Close()

	h := alg.newHash()
	if _, err := io.Copy(h, bufio.NewReader(f)); err != nil {
		return "", fmt.Errorf("manifest: hashing %q: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// Digest builds the manifest of root under alg and returns only its hex
// digest, the form used as (part of) the implementation's directory name.
func Digest(root string, alg Algorithm) (string, error) {
	_, digest, err := Build(root, alg)
	return digest, err
}

// Verify rebuilds the manifest of root under alg and compares it against
// expectedHex. It returns a *MismatchError (not a plain error) on
// disagreement so callers can type-switch per spec §7's DigestMismatch
// kind.
func Verify(root string, alg Algorithm, expectedHex string) error {
	actual, err := Digest(root, alg)
	if err != nil {
		return err
	}
	if actual != expectedHex {
		return &MismatchError{Algorithm: alg, Expected: expectedHex, Actual: actual}
	}
	return nil
}

// MismatchError is spec §7's DigestMismatch(expected, actual).
type MismatchError struct {
	Algorithm Algorithm
	Expected  string
	Actual    string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("manifest digest mismatch (%s): expected %s, got %s", e.Algorithm, e.Expected, e.Actual)
}
