package server

import (
	"log"
	"math"
	"strconv"

	"relaychat/pkg/protocol"
	"relaychat/pkg/storage"
)

// Handler is the stateless request dispatcher: it maps one request record
// to Store calls plus optional live-socket push, and builds the response
// record. The enqueue-vs-push decision for send_message lives here, not
// in the Store.
type Handler struct {
	store   storage.Store
	codec   protocol.Codec
	metrics *Metrics
}

// NewHandler creates a dispatcher over the given store and codec.
func NewHandler(store storage.Store, codec protocol.Codec, metrics *Metrics) *Handler {
	return &Handler{store: store, codec: codec, metrics: metrics}
}

// Handle processes one request and returns the response record. conn is
// the caller's own socket, registered for push delivery when the action
// asks for it.
func (h *Handler) Handle(req *protocol.Record, conn storage.ClientConn) *protocol.Record {
	var resp *protocol.Record

	switch protocol.Action(req.Action) {
	case protocol.ActionCreateAccount:
		resp = h.handleCreateAccount(req)
	case protocol.ActionLogin:
		resp = h.handleLogin(req)
	case protocol.ActionListen:
		resp = h.handleListen(req, conn)
	case protocol.ActionListAccounts:
		resp = h.handleListAccounts(req)
	case protocol.ActionSendMessage:
		resp = h.handleSendMessage(req)
	case protocol.ActionReadMessages:
		resp = h.handleReadMessages(req)
	case protocol.ActionDeleteMessages:
		resp = h.handleDeleteMessages(req)
	case protocol.ActionLogout:
		resp = h.handleLogout(req)
	case protocol.ActionDeleteAccount:
		resp = h.handleDeleteAccount(req)
	default:
		// Deliberately the same shape as any other error, not a
		// protocol-level fault.
		resp = errorResponse(req.Action, "Invalid request")
	}

	h.metrics.RecordRequest(req.Action, resp.Status)
	return resp
}

func (h *Handler) handleCreateAccount(req *protocol.Record) *protocol.Record {
	username := stringField(req.Data, "username")
	password := stringField(req.Data, "password")
	if username == "" || password == "" {
		return errorResponse(req.Action, "Missing username or password")
	}

	if err := h.store.CreateAccount(username, password); err != nil {
		return errorResponse(req.Action, err.Error())
	}
	return successResponse(req.Action, nil)
}

func (h *Handler) handleLogin(req *protocol.Record) *protocol.Record {
	username := stringField(req.Data, "username")
	password := stringField(req.Data, "password")

	token, unread, err := h.store.Authenticate(username, password)
	if err != nil {
		return errorResponse(req.Action, err.Error())
	}
	return successResponse(req.Action, map[string]any{
		"session_token":        token,
		"unread_message_count": unread,
	})
}

func (h *Handler) handleListen(req *protocol.Record, conn storage.ClientConn) *protocol.Record {
	username := stringField(req.Data, "username")
	password := stringField(req.Data, "password")

	token, err := h.store.RegisterListener(username, password, conn)
	if err != nil {
		return errorResponse(req.Action, err.Error())
	}
	return successResponse(req.Action, map[string]any{
		"session_token": token,
	})
}

func (h *Handler) handleListAccounts(req *protocol.Record) *protocol.Record {
	if _, ok := h.validSession(req); !ok {
		return errorResponse(req.Action, "Invalid session")
	}

	pattern := stringField(req.Data, "pattern")
	if pattern == "" {
		pattern = "*"
	}
	page, ok := intField(req.Data, "page", 1)
	if !ok || page <= 0 {
		return errorResponse(req.Action, "Invalid page or page size")
	}
	pageSize, ok := intField(req.Data, "page_size", 10)
	if !ok || pageSize <= 0 {
		return errorResponse(req.Action, "Invalid page or page size")
	}

	accounts, page, totalPages := h.store.ListAccounts(pattern, page, pageSize)
	return successResponse(req.Action, map[string]any{
		"accounts":    accounts,
		"page":        page,
		"total_pages": totalPages,
	})
}

func (h *Handler) handleSendMessage(req *protocol.Record) *protocol.Record {
	sender, ok := h.validSession(req)
	if !ok {
		return errorResponse(req.Action, "Invalid session")
	}

	recipient := stringField(req.Data, "recipient")
	body := stringField(req.Data, "message")
	if recipient == "" || body == "" {
		return errorResponse(req.Action, "Missing recipient or message")
	}
	if !h.store.AccountExists(recipient) {
		return errorResponse(req.Action, "Recipient does not exist")
	}

	if h.pushToRecipient(recipient, sender, body) {
		h.metrics.RecordDelivery("live")
	} else {
		// Store-and-forward fallback: nobody is listening, or every
		// push attempt failed.
		if err := h.store.EnqueueMessage(recipient, sender, body); err != nil {
			return errorResponse(req.Action, err.Error())
		}
		h.metrics.RecordDelivery("queued")
	}
	return successResponse(req.Action, nil)
}

// pushToRecipient attempts live delivery to every connection registered
// for the recipient. A delivery counts as successful if the write does
// not fail; at-most-one-attempt per handle, no retries.
func (h *Handler) pushToRecipient(recipient, sender, body string) bool {
	conns := h.store.Connections(recipient)
	if len(conns) == 0 {
		return false
	}

	push := &protocol.Record{
		Action: string(protocol.ActionReceiveMessage),
		Data: map[string]any{
			"sender":  sender,
			"message": body,
		},
	}
	encoded, err := h.codec.Encode(push)
	if err != nil {
		log.Printf("Failed to encode push record: %v", err)
		return false
	}

	delivered := false
	for _, conn := range conns {
		if _, err := conn.Write(encoded); err == nil {
			delivered = true
		}
	}
	return delivered
}

func (h *Handler) handleReadMessages(req *protocol.Record) *protocol.Record {
	username, ok := h.validSession(req)
	if !ok {
		return errorResponse(req.Action, "Invalid session")
	}

	count, ok := intField(req.Data, "num_to_read", 1)
	if !ok {
		return errorResponse(req.Action, "Invalid number of messages to read")
	}

	msgs, remaining := h.store.DrainMessages(username, count)
	unread := make([]map[string]any, 0, len(msgs))
	for _, msg := range msgs {
		unread = append(unread, map[string]any{
			"sender":  msg.Sender,
			"message": msg.Body,
		})
	}
	return successResponse(req.Action, map[string]any{
		"unread_messages":        unread,
		"remaining_unread_count": remaining,
	})
}

func (h *Handler) handleDeleteMessages(req *protocol.Record) *protocol.Record {
	username, ok := h.validSession(req)
	if !ok {
		return errorResponse(req.Action, "Invalid session")
	}

	count, ok := requiredIntField(req.Data, "num_to_delete")
	if !ok {
		return errorResponse(req.Action, "Invalid number of messages to delete")
	}

	deleted := h.store.DeleteMessages(username, count)
	return successResponse(req.Action, map[string]any{
		"num_messages_deleted": deleted,
	})
}

func (h *Handler) handleLogout(req *protocol.Record) *protocol.Record {
	if _, ok := h.validSession(req); !ok {
		return errorResponse(req.Action, "Invalid session")
	}
	h.store.Logout(stringField(req.Data, "session_token"))
	return successResponse(req.Action, nil)
}

func (h *Handler) handleDeleteAccount(req *protocol.Record) *protocol.Record {
	// The account to delete is always the session's own; the request
	// never names a target.
	username, ok := h.validSession(req)
	if !ok {
		return errorResponse(req.Action, "Invalid session")
	}
	h.store.DeleteAccount(username)
	return successResponse(req.Action, nil)
}

// validSession resolves the request's session token.
func (h *Handler) validSession(req *protocol.Record) (string, bool) {
	return h.store.ValidateSession(stringField(req.Data, "session_token"))
}

func successResponse(action string, data map[string]any) *protocol.Record {
	return &protocol.Record{
		Action: action,
		Status: protocol.StatusSuccess,
		Data:   data,
	}
}

func errorResponse(action, message string) *protocol.Record {
	return &protocol.Record{
		Action: action,
		Status: protocol.StatusError,
		Error:  message,
	}
}

// stringField extracts a string value from request data, returning ""
// when the key is missing or not a string.
func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

// intField extracts an integer value, tolerating the numeric and string
// forms clients actually send. A missing key yields the default; a
// present-but-unparseable value fails.
func intField(data map[string]any, key string, def int) (int, bool) {
	if data == nil {
		return def, true
	}
	v, ok := data[key]
	if !ok || v == nil {
		return def, true
	}
	return coerceInt(v)
}

// requiredIntField is intField without a default: a missing key fails.
func requiredIntField(data map[string]any, key string) (int, bool) {
	if data == nil {
		return 0, false
	}
	v, ok := data[key]
	if !ok || v == nil {
		return 0, false
	}
	return coerceInt(v)
}

func coerceInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
