package storage

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

const testTTL = 50 * time.Minute

// clockSetter is satisfied by both backends through the embedded
// registry; tests use it to simulate the passage of time.
type clockSetter interface {
	setNow(func() time.Time)
}

// forEachStore runs the identical behavioral suite against both backends.
func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		st := NewMemoryStore(testTTL)
		defer st.Close()
		fn(t, st)
	})

	t.Run("sqlite", func(t *testing.T) {
		st, err := OpenSQLiteStore(t.TempDir()+"/relay.db", testTTL)
		if err != nil {
			t.Fatalf("failed to open sqlite store: %v", err)
		}
		defer st.Close()
		fn(t, st)
	})
}

func mustCreate(t *testing.T, st Store, username, password string) {
	t.Helper()
	if err := st.CreateAccount(username, password); err != nil {
		t.Fatalf("failed to create account %q: %v", username, err)
	}
}

func mustEnqueue(t *testing.T, st Store, recipient, sender, body string) {
	t.Helper()
	if err := st.EnqueueMessage(recipient, sender, body); err != nil {
		t.Fatalf("failed to enqueue message for %q: %v", recipient, err)
	}
}

func TestCreateAccountDuplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		mustCreate(t, st, "alice", "secret")

		err := st.CreateAccount("alice", "other")
		if !errors.Is(err, ErrUsernameTaken) {
			t.Fatalf("expected ErrUsernameTaken, got %v", err)
		}

		if !st.AccountExists("alice") {
			t.Fatal("expected alice to exist")
		}
	})
}

func TestCreateAccountEmptyFields(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		if err := st.CreateAccount("", "pw"); !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("expected ErrMissingCredentials for empty username, got %v", err)
		}
		if err := st.CreateAccount("alice", ""); !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("expected ErrMissingCredentials for empty password, got %v", err)
		}
	})
}

func TestAuthenticateErrors(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		mustCreate(t, st, "alice", "secret")

		if _, _, err := st.Authenticate("ghost", "secret"); !errors.Is(err, ErrUnknownUser) {
			t.Fatalf("expected ErrUnknownUser, got %v", err)
		}
		if _, _, err := st.Authenticate("alice", "wrong"); !errors.Is(err, ErrWrongPassword) {
			t.Fatalf("expected ErrWrongPassword, got %v", err)
		}
	})
}

func TestAuthenticateReportsUnreadWithoutConsuming(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		mustCreate(t, st, "alice", "pw")
		mustCreate(t, st, "bob", "pw")
		mustEnqueue(t, st, "bob", "alice", "one")
		mustEnqueue(t, st, "bob", "alice", "two")

		token, unread, err := st.Authenticate("bob", "pw")
		if err != nil {
			t.Fatalf("authenticate failed: %v", err)
		}
		if token == "" {
			t.Fatal("expected a session token")
		}
		if unread != 2 {
			t.Fatalf("expected 2 unread, got %d", unread)
		}

		// Logging in must not consume the queue.
		_, unread, err = st.Authenticate("bob", "pw")
		if err != nil {
			t.Fatalf("second authenticate failed: %v", err)
		}
		if unread != 2 {
			t.Fatalf("expected 2 unread after second login, got %d", unread)
		}
	})
}

func TestSessionTokensAreUnique(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		mustCreate(t, st, "alice", "pw")

		seen := make(map[string]bool)
		for i := 0; i < 5; i++ {
			token, _, err := st.Authenticate("alice", "pw")
			if err != nil {
				t.Fatalf("authenticate failed: %v", err)
			}
			if seen[token] {
				t.Fatalf("token %q issued twice", token)
			}
			seen[token] = true
		}
	})
}

func TestValidateSessionExpiry(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		mustCreate(t, st, "alice", "pw")

		start := time.Now()
		current := start
		st.(clockSetter).setNow(func() time.Time { return current })

		token, _, err := st.Authenticate("alice", "pw")
		if err != nil {
			t.Fatalf("authenticate failed: %v", err)
		}

		if name, ok := st.ValidateSession(token); !ok || name != "alice" {
			t.Fatalf("expected valid session for alice, got (%q, %v)", name, ok)
		}

		// Still valid right at the expiry instant.
		current = start.Add(testTTL)
		if _, ok := st.ValidateSession(token); !ok {
			t.Fatal("expected session to be valid at expiry instant")
		}

		// Strictly after expiry the token must never resolve, even
		// though no sweep has run.
		current = start.Add(testTTL + time.Nanosecond)
		if name, ok := st.ValidateSession(token); ok {
			t.Fatalf("expected lapsed session to be invalid, resolved to %q", name)
		}
	})
}

func TestValidateSessionUnknownToken(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		if _, ok := st.ValidateSession("no-such-token"); ok {
			t.Fatal("expected unknown token to be invalid")
		}
	})
}

func TestListAccountsPagination(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		mustCreate(t, st, "bob", "pw")
		mustCreate(t, st, "andy", "pw")
		mustCreate(t, st, "alice", "pw")

		accounts, page, totalPages := st.ListAccounts("a*", 1, 2)
		if !reflect.DeepEqual(accounts, []string{"alice", "andy"}) {
			t.Fatalf("expected [alice andy], got %v", accounts)
		}
		if page != 1 || totalPages != 1 {
			t.Fatalf("expected page 1 of 1, got page %d of %d", page, totalPages)
		}

		accounts, _, totalPages = st.ListAccounts("*", 1, 2)
		if !reflect.DeepEqual(accounts, []string{"alice", "andy"}) {
			t.Fatalf("expected first page [alice andy], got %v", accounts)
		}
		if totalPages != 2 {
			t.Fatalf("expected 2 total pages, got %d", totalPages)
		}

		accounts, _, _ = st.ListAccounts("*", 2, 2)
		if !reflect.DeepEqual(accounts, []string{"bob"}) {
			t.Fatalf("expected second page [bob], got %v", accounts)
		}

		// Out-of-range pages yield an empty slice, not an error.
		accounts, page, totalPages = st.ListAccounts("*", 9, 2)
		if len(accounts) != 0 || page != 9 || totalPages != 2 {
			t.Fatalf("expected empty page 9 of 2, got %v page %d of %d", accounts, page, totalPages)
		}

		// Zero matches still report one page.
		accounts, _, totalPages = st.ListAccounts("z*", 1, 10)
		if len(accounts) != 0 || totalPages != 1 {
			t.Fatalf("expected no matches with 1 page, got %v with %d pages", accounts, totalPages)
		}

		// Single-character wildcard.
		accounts, _, _ = st.ListAccounts("b?b", 1, 10)
		if !reflect.DeepEqual(accounts, []string{"bob"}) {
			t.Fatalf("expected [bob], got %v", accounts)
		}
	})
}

func TestListAccountsClampsInvalidPaging(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		mustCreate(t, st, "alice", "pw")
		mustCreate(t, st, "bob", "pw")

		// page and pageSize below 1 are clamped to 1 rather than
		// panicking; the dispatcher rejects them first, but the store
		// contract must hold on its own.
		accounts, page, totalPages := st.ListAccounts("*", 0, 0)
		if !reflect.DeepEqual(accounts, []string{"alice"}) {
			t.Fatalf("expected [alice], got %v", accounts)
		}
		if page != 1 || totalPages != 2 {
			t.Fatalf("expected page 1 of 2, got page %d of %d", page, totalPages)
		}

		accounts, _, _ = st.ListAccounts("*", -3, -1)
		if !reflect.DeepEqual(accounts, []string{"alice"}) {
			t.Fatalf("expected [alice], got %v", accounts)
		}
	})
}

func TestEnqueueUnknownRecipient(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		if err := st.EnqueueMessage("ghost", "alice", "hi"); !errors.Is(err, ErrUnknownRecipient) {
			t.Fatalf("expected ErrUnknownRecipient, got %v", err)
		}
	})
}

func TestDrainMessagesNewestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		mustCreate(t, st, "alice", "pw")
		mustCreate(t, st, "bob", "pw")
		for _, body := range []string{"one", "two", "three", "four"} {
			mustEnqueue(t, st, "bob", "alice", body)
		}

		msgs, remaining := st.DrainMessages("bob", 2)
		if len(msgs) != 2 || msgs[0].Body != "four" || msgs[1].Body != "three" {
			t.Fatalf("expected [four three], got %v", msgs)
		}
		if remaining != 2 {
			t.Fatalf("expected 2 remaining, got %d", remaining)
		}

		// The oldest messages stay behind, in original order.
		msgs, remaining = st.DrainMessages("bob", -2)
		if len(msgs) != 2 || msgs[0].Body != "one" || msgs[1].Body != "two" {
			t.Fatalf("expected [one two], got %v", msgs)
		}
		if remaining != 0 {
			t.Fatalf("expected empty queue, got %d", remaining)
		}
	})
}

func TestDrainMessagesOldestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		mustCreate(t, st, "alice", "pw")
		mustCreate(t, st, "bob", "pw")
		for _, body := range []string{"one", "two", "three"} {
			mustEnqueue(t, st, "bob", "alice", body)
		}

		msgs, remaining := st.DrainMessages("bob", -2)
		if len(msgs) != 2 || msgs[0].Body != "one" || msgs[1].Body != "two" {
			t.Fatalf("expected [one two], got %v", msgs)
		}
		if remaining != 1 {
			t.Fatalf("expected 1 remaining, got %d", remaining)
		}

		msgs, _ = st.DrainMessages("bob", 5)
		if len(msgs) != 1 || msgs[0].Body != "three" {
			t.Fatalf("expected [three], got %v", msgs)
		}
	})
}

func TestDrainMessagesZeroCount(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		mustCreate(t, st, "alice", "pw")
		mustCreate(t, st, "bob", "pw")
		mustEnqueue(t, st, "bob", "alice", "kept")

		msgs, remaining := st.DrainMessages("bob", 0)
		if len(msgs) != 0 || remaining != 1 {
			t.Fatalf("expected nothing drained with 1 remaining, got %v, %d", msgs, remaining)
		}
	})
}

func TestDeleteMessagesSignedDirection(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		mustCreate(t, st, "alice", "pw")
		mustCreate(t, st, "bob", "pw")
		for _, body := range []string{"one", "two", "three", "four"} {
			mustEnqueue(t, st, "bob", "alice", body)
		}

		// Positive count discards the most recent messages.
		if deleted := st.DeleteMessages("bob", 2); deleted != 2 {
			t.Fatalf("expected 2 deleted, got %d", deleted)
		}
		msgs, _ := st.DrainMessages("bob", -10)
		if len(msgs) != 2 || msgs[0].Body != "one" || msgs[1].Body != "two" {
			t.Fatalf("expected [one two] left, got %v", msgs)
		}

		for _, body := range []string{"five", "six"} {
			mustEnqueue(t, st, "bob", "alice", body)
		}

		// Negative count discards the oldest.
		if deleted := st.DeleteMessages("bob", -1); deleted != 1 {
			t.Fatalf("expected 1 deleted, got %d", deleted)
		}
		msgs, _ = st.DrainMessages("bob", -10)
		if len(msgs) != 1 || msgs[0].Body != "six" {
			t.Fatalf("expected [six] left, got %v", msgs)
		}

		// Deleting more than queued reports the actual count.
		mustEnqueue(t, st, "bob", "alice", "last")
		if deleted := st.DeleteMessages("bob", 10); deleted != 1 {
			t.Fatalf("expected 1 deleted, got %d", deleted)
		}
	})
}

func TestDeleteAccountCascade(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		mustCreate(t, st, "alice", "pw")
		mustCreate(t, st, "bob", "pw")
		mustEnqueue(t, st, "alice", "bob", "pending")

		token1, _, err := st.Authenticate("alice", "pw")
		if err != nil {
			t.Fatalf("authenticate failed: %v", err)
		}
		conn := newStubConn()
		token2, err := st.RegisterListener("alice", "pw", conn)
		if err != nil {
			t.Fatalf("register listener failed: %v", err)
		}

		st.DeleteAccount("alice")

		if st.AccountExists("alice") {
			t.Fatal("expected alice to be gone")
		}
		accounts, _, _ := st.ListAccounts("*", 1, 10)
		if !reflect.DeepEqual(accounts, []string{"bob"}) {
			t.Fatalf("expected directory [bob], got %v", accounts)
		}
		if _, ok := st.ValidateSession(token1); ok {
			t.Fatal("expected token1 to be invalidated")
		}
		if _, ok := st.ValidateSession(token2); ok {
			t.Fatal("expected token2 to be invalidated")
		}
		if conns := st.Connections("alice"); len(conns) != 0 {
			t.Fatalf("expected no registered connections, got %d", len(conns))
		}
	})
}

func TestLogoutLeavesSiblingSessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		mustCreate(t, st, "alice", "pw")

		token1, err := st.RegisterListener("alice", "pw", newStubConn())
		if err != nil {
			t.Fatalf("register listener failed: %v", err)
		}
		token2, err := st.RegisterListener("alice", "pw", newStubConn())
		if err != nil {
			t.Fatalf("register listener failed: %v", err)
		}

		st.Logout(token1)

		if _, ok := st.ValidateSession(token1); ok {
			t.Fatal("expected token1 to be gone")
		}
		if _, ok := st.ValidateSession(token2); !ok {
			t.Fatal("expected token2 to survive")
		}
		if conns := st.Connections("alice"); len(conns) != 1 {
			t.Fatalf("expected 1 remaining connection, got %d", len(conns))
		}
	})
}

func TestRegisterListenerRecordsConnection(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		mustCreate(t, st, "alice", "pw")

		if conns := st.Connections("alice"); len(conns) != 0 {
			t.Fatalf("expected no connections before listen, got %d", len(conns))
		}

		conn := newStubConn()
		if _, err := st.RegisterListener("alice", "pw", conn); err != nil {
			t.Fatalf("register listener failed: %v", err)
		}

		conns := st.Connections("alice")
		if len(conns) != 1 {
			t.Fatalf("expected 1 connection, got %d", len(conns))
		}
		if _, err := conns[0].Write([]byte("ping")); err != nil {
			t.Fatalf("write to registered connection failed: %v", err)
		}
		if got := conn.written.String(); got != "ping" {
			t.Fatalf("expected write to reach the handle, got %q", got)
		}
	})
}
