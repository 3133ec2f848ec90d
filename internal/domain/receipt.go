package domain

// LogEntry is a contract log attached to a mined receipt.
type LogEntry struct {
	Address  string   `json:"address"`
	Topics   []string `json:"topics"`
	Data     string   `json:"data"`
	LogIndex uint64   `json:"log_index"`
}

// Receipt is the mined result of a submitted transaction.
type Receipt struct {
	TxHash      string     `json:"tx_hash"`
	BlockNumber uint64     `json:"block_number"`
	Status      uint64     `json:"status"`
	GasUsed     uint64     `json:"gas_used"`
	Logs        []LogEntry `json:"logs"`
}
