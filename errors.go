package msgstore

import "errors"

var (
	ErrClosed         = errors.New("msgstore: store is closed")
	ErrMessageUnknown = errors.New("msgstore: unknown message")
	ErrTxDone         = errors.New("msgstore: transaction already finished")

	ErrIndexBuildFailed = errors.New("msgstore: index build failed")
	ErrTxFailed         = errors.New("msgstore: transaction failed to commit")
)
