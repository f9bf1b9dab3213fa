package types

// RelaySettings controls which directions a relay connection is used for
type RelaySettings struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

// RelayStatus describes one pooled connection for debug output
type RelayStatus struct {
	Address   string        `json:"address"`
	Settings  RelaySettings `json:"settings"`
	Connected bool          `json:"connected"`
	Ephemeral bool          `json:"ephemeral"`
}
