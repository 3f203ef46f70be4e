package protocol

// Action identifies one request or push kind on the wire.
type Action string

const (
	ActionCreateAccount  Action = "create_account"
	ActionLogin          Action = "login"
	ActionListen         Action = "listen"
	ActionListAccounts   Action = "list_accounts"
	ActionSendMessage    Action = "send_message"
	ActionReceiveMessage Action = "receive_message"
	ActionReadMessages   Action = "read_messages"
	ActionDeleteMessages Action = "delete_messages"
	ActionLogout         Action = "logout"
	ActionDeleteAccount  Action = "delete_account"
)

// Actions lists every known action in wire order. The compact codec uses
// the position in this slice as its action index, so the order is part of
// the wire format and must not change.
var Actions = []Action{
	ActionCreateAccount,
	ActionLogin,
	ActionListen,
	ActionListAccounts,
	ActionSendMessage,
	ActionReceiveMessage,
	ActionReadMessages,
	ActionDeleteMessages,
	ActionLogout,
	ActionDeleteAccount,
}

// Status values carried in response records.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Record is one complete request, response, or push unit. Fields left
// empty are absent on the wire and must stay absent after a round-trip.
type Record struct {
	Action string         `json:"action,omitempty"`
	Status string         `json:"status,omitempty"`
	Error  string         `json:"error,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Codec converts between records and raw bytes. Decode always returns
// zero or more records, never a single bare one: a single socket read may
// carry several concatenated transmissions, or a truncated one. consumed
// reports how many leading bytes Decode disposed of, as records or as
// discarded garbage; the caller keeps data[consumed:] and retries once
// more bytes arrive, so a record split across reads is never lost.
type Codec interface {
	Encode(rec *Record) ([]byte, error)
	Decode(data []byte) (records []*Record, consumed int)
}

// actionIndex returns the compact-codec index for an action.
func actionIndex(a Action) (int, bool) {
	for i, known := range Actions {
		if known == a {
			return i, true
		}
	}
	return 0, false
}
