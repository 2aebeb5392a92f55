// ABOUTME: Server settings payload
// ABOUTME: Runtime-tunable playout latency and volume pushed to clients
package protocol

import "encoding/json"

// ServerSettings is pushed by the server when a client's playout
// parameters change. BufferMs is the full playout window; Latency is an
// additional per-client correction in milliseconds.
type ServerSettings struct {
	BufferMs int64 `json:"buffer_ms"`
	Latency  int64 `json:"latency"`
	Volume   int   `json:"volume"`
	Muted    bool  `json:"muted"`
}

func (s *ServerSettings) Type() MessageType { return TypeServerSettings }

func (s *ServerSettings) MarshalPayload() ([]byte, error) {
	return json.Marshal(s)
}

func (s *ServerSettings) UnmarshalPayload(data []byte) error {
	return json.Unmarshal(data, s)
}
