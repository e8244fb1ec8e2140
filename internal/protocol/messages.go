package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message names exchanged between the controller and the engine worker.
const (
	NameSetPos  = "set_pos"
	NameGetMove = "get_move"
	NameMove    = "move"
	NameError   = "error"
)

// Message is the { name, argument } envelope.
type Message struct {
	Name     string          `json:"name"`
	Argument json.RawMessage `json:"argument,omitempty"`
}

func SetPos(fen string) Message {
	return newMessage(NameSetPos, fen)
}

func GetMove(budget time.Duration) Message {
	return newMessage(NameGetMove, budget.Milliseconds())
}

func MoveReply(move string) Message {
	return newMessage(NameMove, move)
}

func ErrorReply(reason string) Message {
	return newMessage(NameError, reason)
}

func newMessage(name string, arg any) Message {
	raw, err := json.Marshal(arg)
	if err != nil {
		// strings and integers always marshal
		panic(fmt.Sprintf("protocol: marshal %s argument: %v", name, err))
	}
	return Message{Name: name, Argument: raw}
}

// Text returns the argument as a string. Numbers are rendered in decimal.
func (m Message) Text() (string, error) {
	if len(m.Argument) == 0 {
		return "", fmt.Errorf("%s: missing argument", m.Name)
	}
	var s string
	if err := json.Unmarshal(m.Argument, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(m.Argument, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("%s: argument is not text: %s", m.Name, string(m.Argument))
}

// Millis returns the argument as a millisecond count. Numeric strings are
// accepted because the original front end sent form values as text.
func (m Message) Millis() (time.Duration, error) {
	if len(m.Argument) == 0 {
		return 0, fmt.Errorf("%s: missing argument", m.Name)
	}
	var f float64
	if err := json.Unmarshal(m.Argument, &f); err != nil {
		var s string
		if serr := json.Unmarshal(m.Argument, &s); serr != nil {
			return 0, fmt.Errorf("%s: argument is not a number: %s", m.Name, string(m.Argument))
		}
		parsed, perr := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if perr != nil {
			return 0, fmt.Errorf("%s: argument is not a number: %q", m.Name, s)
		}
		f = parsed
	}
	if f < 0 {
		return 0, fmt.Errorf("%s: negative budget %v", m.Name, f)
	}
	return time.Duration(f * float64(time.Millisecond)), nil
}

func (m Message) String() string {
	return m.Name + " " + string(m.Argument)
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if strings.TrimSpace(m.Name) == "" {
		return Message{}, fmt.Errorf("decode message: missing name")
	}
	return m, nil
}
