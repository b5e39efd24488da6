package rdsmq

import "errors"

var (
	ErrNilStore              = errors.New("rdsmq: nil store")
	ErrInvalidRoute          = errors.New("rdsmq: invalid route")
	ErrDuplicateQueue        = errors.New("rdsmq: duplicate queue in routing table")
	ErrInvalidMessage        = errors.New("rdsmq: invalid message")
	ErrInvalidTTL            = errors.New("rdsmq: ttl must be at least one second")
	ErrPoolWriteFailed       = errors.New("rdsmq: message pool write failed")
	ErrEnqueueFailed         = errors.New("rdsmq: enqueue failed")
	ErrTriggersNotConfigured = errors.New("rdsmq: triggers not configured")
)
