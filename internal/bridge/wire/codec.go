// Package wire encodes outbound commands and classifies inbound frames of the
// DevTools control socket.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto"
	jsoniter "github.com/json-iterator/go"
)

// codec is a drop-in replacement for encoding/json, tuned for the hot read path.
var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind classifies a decoded frame.
type Kind int

const (
	KindMalformed Kind = iota
	KindResponse
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return "malformed"
	}
}

// Frame is the tagged union returned by Decode. Exactly one of Response, Event
// or Malformed implements it for any given input.
type Frame interface {
	Kind() Kind
}

// Response answers the command that carried the same correlation id.
type Response struct {
	ID        int64
	SessionID string
	Result    json.RawMessage
	Error     *ProtocolError
}

// Event is an unsolicited notification pushed by the target.
type Event struct {
	Domain    string
	Method    cdproto.MethodType
	SessionID string
	Params    json.RawMessage
}

// Malformed carries a frame that could not be classified.
type Malformed struct {
	Raw    []byte
	Reason string
}

func (Response) Kind() Kind  { return KindResponse }
func (Event) Kind() Kind     { return KindEvent }
func (Malformed) Kind() Kind { return KindMalformed }

// ProtocolError is the error object the target returns for a failed command.
type ProtocolError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("protocol error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// outbound is the shape of every command frame written to the socket.
type outbound struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// inbound covers both responses and events; the presence of "id" decides which.
type inbound struct {
	ID        *int64          `json:"id"`
	SessionID string          `json:"sessionId"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	Result    json.RawMessage `json:"result"`
	Error     *ProtocolError  `json:"error"`
}

var emptyObject = json.RawMessage(`{}`)

// Encode produces one outbound frame. An empty domain means method is already
// fully qualified ("Domain.method").
func Encode(id int64, domain, method string, params any) ([]byte, error) {
	if method == "" {
		return nil, fmt.Errorf("wire: method is required")
	}
	msg := outbound{ID: id, Method: string(JoinMethod(domain, method))}

	switch p := params.(type) {
	case nil:
	case json.RawMessage:
		if len(bytes.TrimSpace(p)) > 0 {
			msg.Params = p
		}
	case []byte:
		// Raw bytes are assumed to already be JSON, as forwarded by callers.
		if len(bytes.TrimSpace(p)) > 0 {
			msg.Params = json.RawMessage(p)
		}
	default:
		msg.Params = p
	}

	data, err := codec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to encode %s: %w", msg.Method, err)
	}
	return data, nil
}

// Decode classifies a raw inbound frame. It never fails; unusable input decodes
// to Malformed.
func Decode(raw []byte) Frame {
	var in inbound
	if err := codec.Unmarshal(raw, &in); err != nil {
		return Malformed{Raw: raw, Reason: err.Error()}
	}

	if in.ID != nil {
		result := in.Result
		if len(result) == 0 && in.Error == nil {
			result = emptyObject
		}
		return Response{ID: *in.ID, SessionID: in.SessionID, Result: result, Error: in.Error}
	}

	if in.Method == "" {
		return Malformed{Raw: raw, Reason: "frame carries neither id nor method"}
	}

	method := cdproto.MethodType(in.Method)
	domain, _ := SplitMethod(in.Method)
	params := in.Params
	if len(params) == 0 {
		params = emptyObject
	}
	return Event{Domain: domain, Method: method, SessionID: in.SessionID, Params: params}
}

// SplitMethod splits "Domain.method" into its two halves. A name without a dot
// has an empty domain.
func SplitMethod(full string) (domain, method string) {
	if i := strings.IndexByte(full, '.'); i >= 0 {
		return full[:i], full[i+1:]
	}
	return "", full
}

// JoinMethod builds the fully qualified method name.
func JoinMethod(domain, method string) cdproto.MethodType {
	if domain == "" {
		return cdproto.MethodType(method)
	}
	return cdproto.MethodType(domain + "." + method)
}
