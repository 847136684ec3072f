package engine

import "errors"

// Engine errors
var (
	ErrInvalidConfig     = errors.New("invalid engine config")
	ErrAlreadyStarted    = errors.New("engine already started")
	ErrNotStarted        = errors.New("engine not started")
	ErrStopped           = errors.New("engine stopped")
	ErrPersist           = errors.New("log store write failed")
	ErrCommittedInvalid  = errors.New("committed block reported invalid")
	ErrInvalidMessage    = errors.New("invalid peer message")
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrBlockNotReady     = errors.New("block not ready to finalize")
	ErrConfChangePending = errors.New("membership change already in progress")
)
