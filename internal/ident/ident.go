// Package ident derives the content-addressed identifiers used throughout
// the hierarchy. An id is a pure function of its natural key, which is what
// makes every upsert idempotent and lets identical crashes from unrelated
// runs collide into the same row.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
)

// HexLen is the length of every identifier produced by this package.
const HexLen = sha256.Size * 2

// Hash returns the lowercase hex sha256 of a canonical key string.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// HashBytes returns the lowercase hex sha256 of a raw payload.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func RepositoryID(owner, repo string) string {
	return Hash(owner + "/" + repo)
}

func BranchID(owner, repo, branch string) string {
	return Hash(owner + "/" + repo + "/" + branch)
}

func CommitID(owner, repo, branch, commit string) string {
	return Hash(owner + "/" + repo + "/" + branch + "/" + commit)
}

func GroupID(summary string) string {
	return Hash(summary)
}

// EntryID hashes the full raw bundle, so re-uploading byte-identical bundles
// always lands on the same entry.
func EntryID(raw []byte) string {
	return HashBytes(raw)
}
