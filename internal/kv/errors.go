package kv

import (
	"database/sql"
	"errors"
	"fmt"

	sqlite "modernc.org/sqlite"
)

// Kind classifies a storage failure at the boundary where it happened.
type Kind int

const (
	KindUnknown Kind = iota
	KindCorruption
	KindLocked
	KindEncryption
	KindQuota
	KindNotOpen
	KindTypeMismatch
)

// String returns the lowercase name used in logs and audit payloads.
func (k Kind) String() string {
	switch k {
	case KindCorruption:
		return "corruption"
	case KindLocked:
		return "locked"
	case KindEncryption:
		return "encryption"
	case KindQuota:
		return "quota"
	case KindNotOpen:
		return "not_open"
	case KindTypeMismatch:
		return "type_mismatch"
	default:
		return "unknown"
	}
}

// Error is a categorized storage failure. Raw driver errors never leave this
// package uncategorized.
type Error struct {
	Collection  string
	Kind        Kind
	Message     string
	Recoverable bool
	Suggestion  string
	Err         error
}

func (e *Error) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("kv: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("kv: %s: collection %s: %s", e.Kind, e.Collection, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Sentinel causes recognized by Categorize.
var (
	ErrChecksum     = errors.New("record checksum mismatch")
	ErrDecrypt      = errors.New("record decrypt failed")
	ErrNotOpen      = errors.New("store not open")
	ErrNoRecord     = errors.New("record not found")
	ErrTypeMismatch = errors.New("stored record shape mismatch")
)

// SQLite primary result codes this package cares about.
const (
	codeBusy     = 5
	codeLocked   = 6
	codeCorrupt  = 11
	codeFull     = 13
	codeCantOpen = 14
	codeNotADB   = 26
)

// Categorize maps a low-level failure to a categorized Error. Errors that are
// already categorized pass through unchanged.
func Categorize(collection string, err error) *Error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return already
	}

	mk := func(kind Kind, recoverable bool, suggestion string) *Error {
		return &Error{
			Collection:  collection,
			Kind:        kind,
			Message:     err.Error(),
			Recoverable: recoverable,
			Suggestion:  suggestion,
			Err:         err,
		}
	}

	switch {
	case errors.Is(err, ErrChecksum):
		return mk(KindCorruption, true, "delete and recreate the collection")
	case errors.Is(err, ErrDecrypt):
		return mk(KindEncryption, true, "refetch the encryption key")
	case errors.Is(err, ErrNotOpen):
		return mk(KindNotOpen, true, "reopen the store")
	case errors.Is(err, ErrTypeMismatch):
		return mk(KindTypeMismatch, true, "run pending migrations")
	case errors.Is(err, sql.ErrNoRows):
		return mk(KindUnknown, true, "retry")
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case codeBusy, codeLocked:
			return mk(KindLocked, true, "retry with delay")
		case codeCorrupt, codeNotADB:
			return mk(KindCorruption, true, "delete and recreate the collection")
		case codeFull:
			return mk(KindQuota, false, "free disk space")
		case codeCantOpen:
			return mk(KindNotOpen, true, "reopen the store")
		}
	}
	return mk(KindUnknown, true, "retry")
}
