// Package editorproto implements the newline-delimited JSON-RPC 2.0
// protocol spoken between the daemon and a connected editor plugin:
// open/close/edit/cursor notifications from the editor, edit/cursor
// notifications and request responses from the daemon.
package editorproto

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/etherdsync/etherd/internal/textdelta"
)

// JSON-RPC error codes used on this connection.
const (
	CodeParseError = -32700
	CodeSemantic   = -1
)

// FromEditor is a parsed request or notification sent by the editor.
type FromEditor struct {
	// ID is nil for notifications (cursor/edit updates the editor does
	// not expect a reply to); non-nil for requests (open/close), which
	// get an explicit success/error response.
	ID     *int
	Method string
	Open   *OpenParams
	Close  *CloseParams
	Edit   *EditParams
	Cursor *CursorParams
}

type OpenParams struct {
	URI     string `json:"uri"`
	Content string `json:"content"`
}

type CloseParams struct {
	URI string `json:"uri"`
}

type EditParams struct {
	URI      string                    `json:"uri"`
	Revision int                       `json:"revision"`
	Delta    textdelta.EditorTextDelta `json:"delta"`
}

type CursorParams struct {
	URI    string            `json:"uri"`
	Ranges []textdelta.Range `json:"ranges"`
}

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int            `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  *string         `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int     `json:"code"`
	Message string  `json:"message"`
	Data    *string `json:"data,omitempty"`
}

// ParseFromEditor decodes a single line of the wire protocol sent by an
// editor. A malformed line yields CodeParseError via the returned error;
// callers should respond with an error response carrying that code and
// a nil id, since the id (if any) could not be reliably recovered.
func ParseFromEditor(line []byte) (FromEditor, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return FromEditor{}, errors.Wrap(err, "parsing editor message")
	}

	out := FromEditor{ID: env.ID, Method: env.Method}
	switch env.Method {
	case "open":
		var p OpenParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			return FromEditor{}, errors.Wrap(err, "parsing open params")
		}
		out.Open = &p
	case "close":
		var p CloseParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			return FromEditor{}, errors.Wrap(err, "parsing close params")
		}
		out.Close = &p
	case "edit":
		var p EditParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			return FromEditor{}, errors.Wrap(err, "parsing edit params")
		}
		out.Edit = &p
	case "cursor":
		var p CursorParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			return FromEditor{}, errors.Wrap(err, "parsing cursor params")
		}
		out.Cursor = &p
	default:
		return FromEditor{}, errors.Errorf("unknown method %q", env.Method)
	}
	return out, nil
}

// EncodeEdit builds the daemon->editor "edit" notification.
func EncodeEdit(uri string, revision int, delta textdelta.EditorTextDelta) ([]byte, error) {
	return encodeNotification("edit", struct {
		URI      string                    `json:"uri"`
		Revision int                       `json:"revision"`
		Delta    textdelta.EditorTextDelta `json:"delta"`
	}{uri, revision, delta})
}

// EncodeCursor builds the daemon->editor "cursor" notification.
func EncodeCursor(userID, name, color, uri string, ranges []textdelta.Range) ([]byte, error) {
	return encodeNotification("cursor", struct {
		UserID string            `json:"userid"`
		Name   string            `json:"name,omitempty"`
		Color  string            `json:"color,omitempty"`
		URI    string            `json:"uri"`
		Ranges []textdelta.Range `json:"ranges"`
	}{userID, name, color, uri, ranges})
}

// EncodeFileRemoval builds the daemon->editor "fileRemoval" notification,
// telling an editor a file it may have open was removed from the
// document (e.g. by a concurrent-creation conflict losing to a peer's
// version) and it should reload or close it.
func EncodeFileRemoval(uri string) ([]byte, error) {
	return encodeNotification("fileRemoval", struct {
		URI string `json:"uri"`
	}{uri})
}

func encodeNotification(method string, params interface{}) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "encoding notification params")
	}
	env := envelope{JSONRPC: "2.0", Method: method, Params: raw}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encoding notification envelope")
	}
	return out, nil
}

// EncodeSuccess builds a JSON-RPC success response for request id.
func EncodeSuccess(id int, result string) ([]byte, error) {
	env := envelope{JSONRPC: "2.0", ID: &id, Result: &result}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encoding success response")
	}
	return out, nil
}

// EncodeError builds a JSON-RPC error response. id is nil when it could
// not be recovered from a malformed request.
func EncodeError(id *int, code int, message string, data string) ([]byte, error) {
	var dataPtr *string
	if data != "" {
		dataPtr = &data
	}
	env := envelope{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message, Data: dataPtr}}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encoding error response")
	}
	return out, nil
}
