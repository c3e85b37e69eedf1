// Package cryptox computes the content digests that identify revisions.
//
// A revision id is the hex-encoded BLAKE2b-160 digest of the revision file.
// The same digest is used to verify a file after download or after it was
// claimed from the prefetch cache.
package cryptox

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/dmitrijs2005/briefsync/internal/common"
	"golang.org/x/crypto/blake2b"
)

// DigestSize is the digest length in bytes; ids are twice as long in hex.
const DigestSize = 20

// NewRevisionHash returns an unkeyed BLAKE2b-160 hash.
func NewRevisionHash() hash.Hash {
	h, err := blake2b.New(DigestSize, nil)
	if err != nil {
		// Only reachable with an invalid size or an oversized key.
		panic(err)
	}
	return h
}

// RevisionDigest hashes everything read from r.
func RevisionDigest(r io.Reader) (string, error) {
	h := NewRevisionHash()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileDigest hashes the file at path.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return RevisionDigest(f)
}

// VerifyFile checks that the file at path hashes to want.
func VerifyFile(path, want string) error {
	got, err := FileDigest(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: %s hashes to %s, want %s", common.ErrRevisionCorrupted, path, got, want)
	}
	return nil
}
