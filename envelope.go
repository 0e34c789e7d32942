package mailin

import (
	"time"

	"github.com/tinylib/msgp/msgp"
)

// Envelope is the transaction record for one accepted message: everything
// the receiving side learned before and during DATA. Storage layers persist
// it next to the message content.
type Envelope struct {
	ID           string
	Helo         string
	From         string
	To           []string
	Is8bit       bool
	RemoteIP     string
	TLS          bool
	AuthIdentity string
	ReceivedAt   time.Time
}

// ToMessagePack serializes the envelope as a MessagePack map.
func (e *Envelope) ToMessagePack() ([]byte, error) {
	b := make([]byte, 0, 128)
	b = msgp.AppendMapHeader(b, 9)
	b = msgp.AppendString(b, "id")
	b = msgp.AppendString(b, e.ID)
	b = msgp.AppendString(b, "helo")
	b = msgp.AppendString(b, e.Helo)
	b = msgp.AppendString(b, "from")
	b = msgp.AppendString(b, e.From)
	b = msgp.AppendString(b, "to")
	b = msgp.AppendArrayHeader(b, uint32(len(e.To)))
	for _, to := range e.To {
		b = msgp.AppendString(b, to)
	}
	b = msgp.AppendString(b, "is8bit")
	b = msgp.AppendBool(b, e.Is8bit)
	b = msgp.AppendString(b, "remote_ip")
	b = msgp.AppendString(b, e.RemoteIP)
	b = msgp.AppendString(b, "tls")
	b = msgp.AppendBool(b, e.TLS)
	b = msgp.AppendString(b, "auth_identity")
	b = msgp.AppendString(b, e.AuthIdentity)
	b = msgp.AppendString(b, "received_at")
	b = msgp.AppendTime(b, e.ReceivedAt.UTC())
	return b, nil
}

// FromMessagePack deserializes an envelope written by ToMessagePack.
// Unknown keys are skipped so older readers survive newer records.
func FromMessagePack(data []byte) (*Envelope, error) {
	size, rest, err := msgp.ReadMapHeaderBytes(data)
	if err != nil {
		return nil, err
	}
	var e Envelope
	for i := uint32(0); i < size; i++ {
		var key []byte
		key, rest, err = msgp.ReadMapKeyZC(rest)
		if err != nil {
			return nil, err
		}
		switch string(key) {
		case "id":
			e.ID, rest, err = msgp.ReadStringBytes(rest)
		case "helo":
			e.Helo, rest, err = msgp.ReadStringBytes(rest)
		case "from":
			e.From, rest, err = msgp.ReadStringBytes(rest)
		case "to":
			var n uint32
			n, rest, err = msgp.ReadArrayHeaderBytes(rest)
			if err != nil {
				return nil, err
			}
			e.To = make([]string, 0, n)
			for j := uint32(0); j < n; j++ {
				var to string
				to, rest, err = msgp.ReadStringBytes(rest)
				if err != nil {
					return nil, err
				}
				e.To = append(e.To, to)
			}
		case "is8bit":
			e.Is8bit, rest, err = msgp.ReadBoolBytes(rest)
		case "remote_ip":
			e.RemoteIP, rest, err = msgp.ReadStringBytes(rest)
		case "tls":
			e.TLS, rest, err = msgp.ReadBoolBytes(rest)
		case "auth_identity":
			e.AuthIdentity, rest, err = msgp.ReadStringBytes(rest)
		case "received_at":
			e.ReceivedAt, rest, err = msgp.ReadTimeBytes(rest)
		default:
			rest, err = msgp.Skip(rest)
		}
		if err != nil {
			return nil, err
		}
	}
	return &e, nil
}
