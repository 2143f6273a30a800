package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoResponse means the target did not answer in time; the outcome is unknown.
	ErrNoResponse = errors.New("no response from member")

	ErrUnknownCommand = errors.New("unknown command kind")
)

// Command is a unit of work executed against the context C of the member receiving it.
// Commands are encoded as JSON, so their fields must be exported.
type Command[C any] interface {
	Kind() string
	Execute(ctx context.Context, c C) (any, error)
}

// Response carries the outcome of a command that ran on a member.
type Response struct {
	Member string
	Result json.RawMessage
	Err    error
}

// Get returns the error raised by the command, or decodes its result into out.
func (r *Response) Get(out any) error {
	if r.Err != nil {
		return r.Err
	}

	if out == nil || len(r.Result) == 0 {
		return nil
	}

	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", r.Member, err)
	}

	return nil
}

// RemoteError is an error raised by a command on another member.
// Through errors.Is it matches any error whose message is one of the
// ": " separated segments of the remote chain, so sentinel errors survive
// the trip.
type RemoteError struct {
	Member  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("member %s: %s", e.Member, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	if target == nil {
		return false
	}

	msg := target.Error()

	return e.Message == msg ||
		strings.HasPrefix(e.Message, msg+": ") ||
		strings.HasSuffix(e.Message, ": "+msg) ||
		strings.Contains(e.Message, ": "+msg+": ")
}

type request struct {
	From string          `json:"from"`
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

type response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Failed bool            `json:"failed,omitempty"`
}

func encodeRequest[C any](from string, cmd Command[C]) ([]byte, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s command: %w", cmd.Kind(), err)
	}

	b, err := json.Marshal(request{From: from, Kind: cmd.Kind(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", cmd.Kind(), err)
	}

	return b, nil
}

func encodeResponse(result any, err error) ([]byte, error) {
	if err != nil {
		return json.Marshal(response{Error: err.Error(), Failed: true})
	}

	raw, merr := json.Marshal(result)
	if merr != nil {
		return json.Marshal(response{Error: fmt.Sprintf("failed to marshal result: %v", merr), Failed: true})
	}

	return json.Marshal(response{Result: raw})
}

func decodeResponse(member string, payload []byte) *Response {
	var resp response

	if err := json.Unmarshal(payload, &resp); err != nil {
		return &Response{Member: member, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if resp.Failed {
		return &Response{Member: member, Err: &RemoteError{Member: member, Message: resp.Error}}
	}

	return &Response{Member: member, Result: resp.Result}
}
