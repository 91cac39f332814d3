package model

// RawRecord maps each declared field name of the active `fields` header to
// the token found at the same position on one data line.
type RawRecord map[string]string

// ConnRecord is one connection observation ready for aggregation.
type ConnRecord struct {
	State     string // conn_state; "SF" counts as a successful connection
	SourceIP  string
	DestIP    string
	DestPort  int
	FirstSeen float64 // ts, seconds since the epoch
}

// Successful reports whether the connection completed normally.
func (r ConnRecord) Successful() bool {
	return r.State == ConnStateSF
}

// SMTPRecord is one normalized (sender, recipient) pair.
type SMTPRecord struct {
	Source      string
	Destination string
	FirstSeen   float64
}

// HTTPRecord is one hostname suffix level.
type HTTPRecord struct {
	Host      string
	FirstSeen float64
}

// ConnAggregate is a row of connlog or connerr.
type ConnAggregate struct {
	SourceIP       string  `json:"sourceip"`
	DestIP         string  `json:"destip"`
	DestPort       int     `json:"destport"`
	NumConnections int64   `json:"numconnections"`
	FirstSeen      float64 `json:"firstconnectdate"`
}

// SMTPAggregate is a row of smtplog.
type SMTPAggregate struct {
	Source         string  `json:"source"`
	Destination    string  `json:"destination"`
	NumConnections int64   `json:"numconnections"`
	FirstSeen      float64 `json:"firstconnectdate"`
}

// HTTPAggregate is a row of httplog.
type HTTPAggregate struct {
	Host           string  `json:"host"`
	NumConnections int64   `json:"numconnections"`
	FirstSeen      float64 `json:"firstconnectdate"`
}
