package protocol

// ReplyKind says how a pending input request was resolved.
type ReplyKind int

const (
	ReplyValue ReplyKind = iota
	ReplyInterrupt
	ReplyCancel
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyInterrupt:
		return "interrupt"
	case ReplyCancel:
		return "cancel"
	default:
		return "value"
	}
}

// InputReply is the resolution of one input request.
type InputReply struct {
	Kind  ReplyKind
	Value string
}

func Value(v string) InputReply { return InputReply{Kind: ReplyValue, Value: v} }
func Interrupt() InputReply { return InputReply{Kind: ReplyInterrupt} }
func Cancel() InputReply { return InputReply{Kind: ReplyCancel} }

// Reply extracts the InputReply carried by an input-value message.
func (m Message) Reply() InputReply {
	switch {
	case m.Interrupt:
		return Interrupt()
	case m.Canceled:
		return Cancel()
	default:
		return Value(m.Value)
	}
}
