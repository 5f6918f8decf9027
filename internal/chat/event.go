package chat

// Event is an inbound chat event. It is one of Press, Reply or Command.
type Event interface {
	isEvent()
}

// Press is a button press on a card.
type Press struct {
	CallbackID string
	MessageID  int
	Data       string

	// Action is valid only when Err is nil.
	Action Action
	Err    error
}

// Reply is a free-text message sent as a reply to another chat message.
type Reply struct {
	MessageID int
	ReplyTo   int
	Text      string
}

// Command is a slash command such as /start.
type Command struct {
	MessageID int
	Name      string
	Args      string
}

func (Press) isEvent()   {}
func (Reply) isEvent()   {}
func (Command) isEvent() {}

// NewPress decodes the callback payload once, at the transport boundary.
func NewPress(callbackID string, messageID int, data string) Press {
	a, err := ParseAction(data)
	return Press{
		CallbackID: callbackID,
		MessageID:  messageID,
		Data:       data,
		Action:     a,
		Err:        err,
	}
}
