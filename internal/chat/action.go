// Package chat provides the chat-side types of the bridge (buttons, callback
// actions, inbound events) and the Telegram transport that carries them.
package chat

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies a button action. The set is closed: ParseAction rejects
// anything not listed here.
type Kind string

const (
	KindTagMenu      Kind = "tag"
	KindTagSet       Kind = "tagset"
	KindBack         Kind = "back"
	KindAsk          Kind = "ask"
	KindStar         Kind = "starT"
	KindAttachMenu   Kind = "attmenu"
	KindAttach       Kind = "att"
	KindForwardMenu  Kind = "fwd"
	KindForwardTo    Kind = "fwdto"
	KindForwardOther Kind = "fwdother"
	KindSend         Kind = "send"
	KindDraft        Kind = "draft"
	KindTrash        Kind = "trash"
	KindReject       Kind = "reject"
)

// argKind describes the extra field carried after the card id.
type argKind int

const (
	argNone argKind = iota
	argNumber
	argText
)

var kinds = map[Kind]argKind{
	KindTagMenu:      argNumber,
	KindTagSet:       argText,
	KindBack:         argNone,
	KindAsk:          argNone,
	KindStar:         argNone,
	KindAttachMenu:   argNone,
	KindAttach:       argNumber,
	KindForwardMenu:  argNone,
	KindForwardTo:    argText,
	KindForwardOther: argNone,
	KindSend:         argNone,
	KindDraft:        argNone,
	KindTrash:        argNone,
	KindReject:       argNone,
}

// MaxCallbackData is Telegram's limit on callback_data length in bytes.
const MaxCallbackData = 64

// ErrBadPayload is returned by ParseAction for malformed callback data.
var ErrBadPayload = errors.New("invalid button payload")

// Action is a decoded button press payload of the form action|card[|extra].
type Action struct {
	Kind Kind
	Card int

	// N is the page (tag) or attachment index (att).
	N int
	// Arg is the label id (tagset) or recipient address (fwdto).
	Arg string
}

// Encode renders the action back into its callback payload.
func (a Action) Encode() string {
	base := string(a.Kind) + "|" + strconv.Itoa(a.Card)
	switch kinds[a.Kind] {
	case argNumber:
		return base + "|" + strconv.Itoa(a.N)
	case argText:
		return base + "|" + a.Arg
	}
	return base
}

// ParseAction decodes a callback payload.
func ParseAction(data string) (Action, error) {
	parts := strings.SplitN(data, "|", 3)
	if len(parts) < 2 {
		return Action{}, fmt.Errorf("%w: %q", ErrBadPayload, data)
	}

	kind := Kind(parts[0])
	arg, ok := kinds[kind]
	if !ok {
		return Action{}, fmt.Errorf("%w: unknown action %q", ErrBadPayload, parts[0])
	}

	card, err := strconv.Atoi(parts[1])
	if err != nil {
		return Action{}, fmt.Errorf("%w: card id %q", ErrBadPayload, parts[1])
	}

	a := Action{Kind: kind, Card: card}
	switch arg {
	case argNone:
		if len(parts) == 3 {
			return Action{}, fmt.Errorf("%w: unexpected argument for %s", ErrBadPayload, kind)
		}
	case argNumber:
		if len(parts) != 3 {
			return Action{}, fmt.Errorf("%w: %s needs a number", ErrBadPayload, kind)
		}
		n, err := strconv.Atoi(parts[2])
		if err != nil || n < 0 {
			return Action{}, fmt.Errorf("%w: %s argument %q", ErrBadPayload, kind, parts[2])
		}
		a.N = n
	case argText:
		if len(parts) != 3 || parts[2] == "" {
			return Action{}, fmt.Errorf("%w: %s needs an argument", ErrBadPayload, kind)
		}
		a.Arg = parts[2]
	}
	return a, nil
}
