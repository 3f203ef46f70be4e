package storage

import (
	"errors"
	"time"
)

// Error strings double as wire-visible error messages, so their exact
// wording is part of the protocol.
var (
	// ErrMissingCredentials indicates an empty username or password.
	ErrMissingCredentials = errors.New("Missing username or password")
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("Username already exists")
	// ErrUnknownUser indicates the username is not registered.
	ErrUnknownUser = errors.New("User does not exist")
	// ErrWrongPassword indicates the password does not match.
	ErrWrongPassword = errors.New("Incorrect password")
	// ErrUnknownRecipient indicates the message target is not registered.
	ErrUnknownRecipient = errors.New("Recipient does not exist")
)

// Message is one queued direct message, held in arrival order per
// recipient.
type Message struct {
	Sender    string
	Recipient string
	Body      string
}

// ClientConn is the narrow slice of a live client socket the store keeps
// per registered session: push writes and the forced close the sweep
// performs on expiry.
type ClientConn interface {
	Write(p []byte) (n int, err error)
	Close() error
}

// Store is the complete server-state contract: accounts, sessions,
// per-recipient message queues, and live connection registrations. Both
// backends satisfy it with identical observable behavior; every method is
// atomic with respect to every other.
//
// The store never writes to a connection on its own. Connections returns
// the live handles for a recipient and the dispatcher decides between
// push and durable enqueue.
type Store interface {
	// AccountExists reports whether the username is registered.
	AccountExists(username string) bool

	// CreateAccount registers a new account. It fails when either field
	// is empty or the username is taken.
	CreateAccount(username, password string) error

	// Authenticate verifies credentials and opens a fresh session,
	// reporting the session token and the current unread-message count
	// without consuming it.
	Authenticate(username, password string) (token string, unread int, err error)

	// RegisterListener is the same authentication path as Authenticate,
	// but additionally records conn under the new session so pushes can
	// reach it later.
	RegisterListener(username, password string, conn ClientConn) (token string, err error)

	// ValidateSession resolves a token to its username. It returns false
	// both for an unknown token and for a lapsed one the sweep has not
	// collected yet.
	ValidateSession(token string) (username string, ok bool)

	// ListAccounts returns usernames matching a shell-style wildcard
	// pattern, sorted lexicographically and sliced to the requested
	// page. totalPages is at least 1; an out-of-range page yields an
	// empty slice, not an error.
	ListAccounts(pattern string, page, pageSize int) (accounts []string, pageOut, totalPages int)

	// EnqueueMessage appends to the recipient's queue in arrival order.
	EnqueueMessage(recipient, sender, body string) error

	// DrainMessages removes and returns queued messages. A positive
	// count takes the most recent messages, returned newest-first; a
	// negative count takes the oldest, returned oldest-first. The
	// remainder keeps its original order.
	DrainMessages(username string, count int) (msgs []Message, remaining int)

	// DeleteMessages discards queued messages using the same signed
	// direction convention as DrainMessages, returning how many were
	// removed.
	DeleteMessages(username string, count int) int

	// DeleteAccount removes the account, its queue, every session bound
	// to it and every connection registration bound to it, atomically.
	DeleteAccount(username string)

	// Logout removes one session and its connection registration,
	// leaving sibling sessions for the same user untouched.
	Logout(token string)

	// SweepExpiredSessions runs one expiry pass at the given instant:
	// each lapsed session's connection is closed (a close failure on one
	// entry never aborts the rest) and the session and registration are
	// dropped. Returns the number of sessions collected.
	SweepExpiredSessions(now time.Time) int

	// Connections returns the live handles registered for a username.
	Connections(username string) []ClientConn

	// Close releases backend resources.
	Close() error
}
