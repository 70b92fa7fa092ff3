package email

import "errors"

var (
	// ErrNoRecipients is delivered by SendMessage when the To list is empty
	ErrNoRecipients = errors.New("at least one recipient is required")
	// ErrMessageNotFound is delivered when the server returns no message for an id
	ErrMessageNotFound = errors.New("Message not found")
	// ErrShutdown is delivered for work submitted after Shutdown
	ErrShutdown = errors.New("sync engine is shut down")
)
