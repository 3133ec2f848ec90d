package streaming

import (
	"encoding/json"
	"errors"
)

type MessageType string

const (
	MessageTypeTxUpdate   MessageType = "tx_update"
	MessageTypeSettlement MessageType = "settlement"
)

// Message is one lifecycle event on the wire: a transaction record status
// transition or a settled game.
type Message struct {
	Type       MessageType `json:"type"`
	TraceID    string      `json:"trace_id,omitempty"`
	RecordID   string      `json:"record_id,omitempty"`
	Kind       string      `json:"kind,omitempty"`
	Status     string      `json:"status,omitempty"`
	ChainHash  string      `json:"chain_hash,omitempty"`
	GameID     uint64      `json:"game_id,omitempty"`
	Player     string      `json:"player,omitempty"`
	Score      uint64      `json:"score,omitempty"`
	TotalJumps uint64      `json:"total_jumps,omitempty"`
	LocalOnly  bool        `json:"local_only,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Timestamp  int64       `json:"timestamp,omitempty"`
}

func Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, errors.New("message type is required")
	}
	if msg.Type == MessageTypeTxUpdate && msg.RecordID == "" {
		return nil, errors.New("record_id is required for tx updates")
	}
	return json.Marshal(msg)
}

func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		return Message{}, errors.New("message type is missing")
	}
	return msg, nil
}
