package socketio

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Engine.IO v4 packet types, the first byte of every websocket frame.
const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'
)

type packetType byte

// Socket.IO v5 packet types carried inside engine messages.
const (
	packetConnect      packetType = '0'
	packetDisconnect   packetType = '1'
	packetEvent        packetType = '2'
	packetAck          packetType = '3'
	packetConnectError packetType = '4'
)

var errMalformed = errors.New("malformed socket.io packet")

// packet is a decoded socket.io packet. Data is the raw JSON that follows the
// optional namespace and ack id.
type packet struct {
	Type      packetType
	Namespace string
	ID        *int
	Data      json.RawMessage
}

func decodePacket(s string) (packet, error) {
	if s == "" {
		return packet{}, errMalformed
	}
	p := packet{Type: packetType(s[0]), Namespace: "/"}
	rest := s[1:]

	if strings.HasPrefix(rest, "/") {
		comma := strings.IndexByte(rest, ',')
		if comma == -1 {
			p.Namespace, rest = rest, ""
		} else {
			p.Namespace, rest = rest[:comma], rest[comma+1:]
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(rest[:digits])
		if err != nil {
			return packet{}, errors.Wrap(errMalformed, "ack id")
		}
		p.ID = &id
		rest = rest[digits:]
	}

	if rest != "" {
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

func (p packet) encode() string {
	var b strings.Builder
	b.WriteByte(engineMessage)
	b.WriteByte(byte(p.Type))
	if p.Namespace != "" && p.Namespace != "/" {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.ID != nil {
		b.WriteString(strconv.Itoa(*p.ID))
	}
	b.Write(p.Data)
	return b.String()
}

// event splits an event packet into its name and arguments.
func (p packet) event() (string, []json.RawMessage, error) {
	if p.Type != packetEvent {
		return "", nil, errors.Wrap(errMalformed, "not an event")
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(p.Data, &arr); err != nil {
		return "", nil, errors.Wrap(errMalformed, "event payload")
	}
	if len(arr) == 0 {
		return "", nil, errors.Wrap(errMalformed, "missing event name")
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil || name == "" {
		return "", nil, errors.Wrap(errMalformed, "event name")
	}
	return name, arr[1:], nil
}

func eventPacket(namespace string, event string, args ...any) (packet, error) {
	arr := make([]any, 0, 1+len(args))
	arr = append(arr, event)
	arr = append(arr, args...)
	data, err := json.Marshal(arr)
	if err != nil {
		return packet{}, errors.Wrapf(err, "encode %s", event)
	}
	return packet{Type: packetEvent, Namespace: namespace, Data: data}, nil
}

func ackPacket(namespace string, id int, args ...any) (packet, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return packet{}, errors.Wrap(err, "encode ack")
	}
	return packet{Type: packetAck, Namespace: namespace, ID: &id, Data: data}, nil
}

func connectPacket(namespace, sid string) packet {
	data, _ := json.Marshal(map[string]string{"sid": sid})
	return packet{Type: packetConnect, Namespace: namespace, Data: data}
}

func connectErrorPacket(namespace, message string) packet {
	data, _ := json.Marshal(map[string]string{"message": message})
	return packet{Type: packetConnectError, Namespace: namespace, Data: data}
}
