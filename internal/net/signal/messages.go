// Package signal is the websocket rendezvous service peers use to find each
// other before the data channel exists, plus the matching client.
package signal

// ProtocolVersion is stamped on every signaling message.
const ProtocolVersion = 1

const (
	typeWelcome   = "welcome"
	typeRoster    = "roster"
	typePing      = "ping"
	typeHeartbeat = "heartbeat"
)

// PeerInfo is one room member as announced to the others.
type PeerInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

type envelope struct {
	Ver  int    `json:"ver"`
	Type string `json:"type"`
}

type welcomeMessage struct {
	Ver  int    `json:"ver"`
	Type string `json:"type"`
	ID   string `json:"id"`
	Room string `json:"room"`
}

type rosterMessage struct {
	Ver   int        `json:"ver"`
	Type  string     `json:"type"`
	Room  string     `json:"room"`
	Peers []PeerInfo `json:"peers"`
}

type clientMessage struct {
	Ver    int    `json:"ver,omitempty"`
	Type   string `json:"type"`
	SentAt int64  `json:"sentAt"`
}

type heartbeatMessage struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
	ClientTime int64  `json:"clientTime"`
}
