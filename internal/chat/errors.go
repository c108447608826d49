// Package chat implements the support chatbot: intent scoring over the
// knowledge base, per-conversation context, response selection and the
// conversation orchestrator.
package chat

import "errors"

var (
	// ErrValidation reports a malformed request (empty text, missing id).
	ErrValidation = errors.New("validation failed")
	// ErrUnauthorized reports access to a conversation owned by another caller.
	ErrUnauthorized = errors.New("conversation belongs to another user")
	// ErrPersistence reports a storage failure. Neither half of an exchange is kept.
	ErrPersistence = errors.New("persistence failed")
)
