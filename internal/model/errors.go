package model

import "errors"

var (
	ErrSenderRequired       = errors.New("sender required")
	ErrEmptyMessage         = errors.New("content or attachment required")
	ErrConversationRequired = errors.New("conversation reference required")
	ErrSelfMessage          = errors.New("receiver must differ from sender")
	ErrUnknownKind          = errors.New("unknown conversation kind")
)
