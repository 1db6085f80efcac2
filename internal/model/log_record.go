package model

// LogRecord is the raw form of a chain log as returned by the chain reader.
type LogRecord struct {
	ChainID     uint64   `json:"chain_id"`
	BlockNumber uint64   `json:"block_number"`
	BlockHash   string   `json:"block_hash"`
	TxHash      string   `json:"tx_hash"`
	TxIndex     uint64   `json:"tx_index"`
	LogIndex    uint64   `json:"log_index"`
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	Removed     bool     `json:"removed"`
	Timestamp   uint64   `json:"timestamp"`
}

// Topic0 returns the event signature topic, empty when the log has none.
func (lr LogRecord) Topic0() string {
	if len(lr.Topics) == 0 {
		return ""
	}
	return lr.Topics[0]
}

// ID returns the identity of the log.
func (lr LogRecord) ID() EventID {
	return EventID{ChainID: lr.ChainID, TxHash: lr.TxHash, LogIndex: lr.LogIndex}
}

// BlockRef pairs a block height with its hash.
type BlockRef struct {
	Number    uint64 `json:"number"`
	Hash      string `json:"hash"`
	Timestamp uint64 `json:"timestamp"`
}
