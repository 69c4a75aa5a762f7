package models

// Record is the document exchanged with applications over MQTT. A single record
// carries one sample per channel and becomes one frame.
type Record struct {
	// T is the record timestamp in ns, ms, or s since the epoch. The unit is
	// inferred from its magnitude.
	T interface{} `msgpack:"t,omitempty" json:"t,omitempty"`
	// Fields maps channel keys, formatted as decimal strings, to sample values.
	Fields map[string]interface{} `msgpack:"fields,omitempty" json:"fields,omitempty"`
	// Authority is either a single authority for every channel or a map of
	// channel key to authority.
	Authority interface{} `msgpack:"authority,omitempty" json:"authority,omitempty"`
}
