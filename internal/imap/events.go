package imap

// EventType classifies a unilateral IDLE notification.
type EventType int

const (
	EventNewMail EventType = iota
	EventExpunge
)

func (t EventType) String() string {
	switch t {
	case EventNewMail:
		return "new-mail"
	case EventExpunge:
		return "expunge"
	default:
		return "unknown"
	}
}

// MailEvent is what IdleManager publishes when the server pushes unsolicited
// EXISTS/EXPUNGE data during IDLE (spec.md §2: Foreground IDLE worker).
type MailEvent struct {
	Type      EventType
	AccountID string
	Folder    string
	Count     uint32 // EventNewMail: new NumMessages
	SeqNum    uint32 // EventExpunge: expunged sequence number
}
