package storage

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// MemoryStore is the map-backed Store. Accounts and queues live only for
// the lifetime of the process; suitable for tests and low-load use.
type MemoryStore struct {
	registry
	users  map[string][]byte    // username -> bcrypt hash
	queues map[string][]Message // recipient -> arrival-ordered queue
}

// NewMemoryStore creates an empty in-memory store whose sessions live for
// ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		registry: newRegistry(ttl),
		users:    make(map[string][]byte),
		queues:   make(map[string][]Message),
	}
}

func (s *MemoryStore) AccountExists(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[username]
	return ok
}

func (s *MemoryStore) CreateAccount(username, password string) error {
	if username == "" || password == "" {
		return ErrMissingCredentials
	}

	// Hash outside the lock; bcrypt is deliberately slow.
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[username]; ok {
		return ErrUsernameTaken
	}
	s.users[username] = hash
	s.queues[username] = nil
	return nil
}

func (s *MemoryStore) Authenticate(username, password string) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkPasswordLocked(username, password); err != nil {
		return "", 0, err
	}
	token := s.createSessionLocked(username)
	return token, len(s.queues[username]), nil
}

func (s *MemoryStore) RegisterListener(username, password string, conn ClientConn) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkPasswordLocked(username, password); err != nil {
		return "", err
	}
	token := s.createSessionLocked(username)
	s.attachConnLocked(username, token, conn)
	return token, nil
}

// checkPasswordLocked verifies credentials against the user table,
// distinguishing an unknown user from a wrong password. Caller holds mu.
func (s *MemoryStore) checkPasswordLocked(username, password string) error {
	hash, ok := s.users[username]
	if !ok {
		return ErrUnknownUser
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return ErrWrongPassword
	}
	return nil
}

func (s *MemoryStore) ListAccounts(pattern string, page, pageSize int) ([]string, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	return paginate(matchAccounts(names, pattern), page, pageSize)
}

func (s *MemoryStore) EnqueueMessage(recipient, sender, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[recipient]; !ok {
		return ErrUnknownRecipient
	}
	s.queues[recipient] = append(s.queues[recipient], Message{
		Sender:    sender,
		Recipient: recipient,
		Body:      body,
	})
	return nil
}

func (s *MemoryStore) DrainMessages(username string, count int) ([]Message, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.queues[username]
	switch {
	case count == 0:
		return nil, len(queue)
	case count < 0:
		// Oldest |count| messages, oldest-first.
		n := min(-count, len(queue))
		out := append([]Message(nil), queue[:n]...)
		s.queues[username] = queue[n:]
		return out, len(queue) - n
	default:
		// Most recent count messages, newest-first.
		n := min(count, len(queue))
		out := make([]Message, 0, n)
		for i := len(queue) - 1; i >= len(queue)-n; i-- {
			out = append(out, queue[i])
		}
		s.queues[username] = queue[:len(queue)-n]
		return out, len(queue) - n
	}
}

func (s *MemoryStore) DeleteMessages(username string, count int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.queues[username]
	switch {
	case count == 0:
		return 0
	case count < 0:
		n := min(-count, len(queue))
		s.queues[username] = queue[n:]
		return n
	default:
		n := min(count, len(queue))
		s.queues[username] = queue[:len(queue)-n]
		return n
	}
}

func (s *MemoryStore) DeleteAccount(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.users, username)
	delete(s.queues, username)
	s.dropUserLocked(username)
}

func (s *MemoryStore) Close() error {
	return nil
}
