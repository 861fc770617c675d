package msgstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// DeliveryState is the lifecycle state of an outgoing message. Incoming
// messages are always Delivered or Read.
type DeliveryState uint8

const (
	StateSending DeliveryState = iota + 1
	StateSent
	StateDelivered
	StateRead
	StateFailed
)

func (s DeliveryState) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateRead:
		return "read"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type Direction uint8

const (
	DirectionIncoming Direction = iota + 1
	DirectionOutgoing
)

func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "incoming"
	case DirectionOutgoing:
		return "outgoing"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Message is a single unit of communication. ID is assigned by the store on
// first put and is monotonically increasing, so enumeration by ID order is
// insertion order.
type Message struct {
	ID         uint64        `json:"id"`
	ThreadID   string        `json:"thread_id"`
	Direction  Direction     `json:"direction"`
	State      DeliveryState `json:"state"`
	Body       string        `json:"body,omitempty"`
	SentAt     time.Time     `json:"sent_at,omitempty"`
	ReceivedAt time.Time     `json:"received_at,omitempty"`
}

func encodeMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func decodeMessage(data []byte) (m Message, err error) {
	err = json.Unmarshal(data, &m)
	return
}

// Keyspace layout, one pebble DB per store:
//
//	'O' id8                     message record (JSON)
//	'I' 'S' state id8           delivery-state index entry, empty value
//	'I' 'T' hash8 id8           thread index entry, empty value
//	'M' 'u'                     store instance UUID
//	'M' 'x' name                index readiness marker, value is index version

func msgKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{'O'}, id)
}

func msgKeyID(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[1:])
}

func msgKeyBounds() (lo, hi []byte) {
	return []byte{'O'}, []byte{'O' + 1}
}

func storeUUIDKey() []byte {
	return []byte{'M', 'u'}
}

func indexMarkerKey(name string) []byte {
	return append([]byte{'M', 'x'}, name...)
}
