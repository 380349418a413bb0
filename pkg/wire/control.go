package wire

import (
	"bytes"
	"strings"
)

// ControlKind tells the delivery layer how a control payload terminates a
// pending message.
type ControlKind uint8

const (
	ControlUnknown ControlKind = iota
	ControlAck
	ControlNack
	ControlResponse
)

const (
	ackPrefix  = "ACK:"
	nackPrefix = "NACK:"
	rspPrefix  = "RSP:"
)

// AckPayload is the literal acknowledgment body "ACK:<message_id>".
func AckPayload(messageID string) []byte {
	return []byte(ackPrefix + messageID)
}

func NackPayload(messageID, reason string) []byte {
	return []byte(nackPrefix + messageID + ":" + reason)
}

// ResponsePayload carries handler reply data back to the sender.
func ResponsePayload(messageID string, data []byte) []byte {
	out := make([]byte, 0, len(rspPrefix)+len(messageID)+1+len(data))
	out = append(out, rspPrefix...)
	out = append(out, messageID...)
	out = append(out, ':')
	return append(out, data...)
}

// ParseControl decodes a control payload. For ControlNack the detail is the
// reason; for ControlResponse it is the reply data.
func ParseControl(payload []byte) (kind ControlKind, messageID string, detail []byte) {
	switch {
	case bytes.HasPrefix(payload, []byte(ackPrefix)):
		id := string(payload[len(ackPrefix):])
		if id == "" {
			return ControlUnknown, "", nil
		}
		return ControlAck, id, nil
	case bytes.HasPrefix(payload, []byte(nackPrefix)):
		id, reason, _ := strings.Cut(string(payload[len(nackPrefix):]), ":")
		if id == "" {
			return ControlUnknown, "", nil
		}
		return ControlNack, id, []byte(reason)
	case bytes.HasPrefix(payload, []byte(rspPrefix)):
		rest := payload[len(rspPrefix):]
		i := bytes.IndexByte(rest, ':')
		if i <= 0 {
			return ControlUnknown, "", nil
		}
		return ControlResponse, string(rest[:i]), rest[i+1:]
	}
	return ControlUnknown, "", nil
}
