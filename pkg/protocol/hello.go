// ABOUTME: Hello and command payloads
// ABOUTME: JSON-bodied handshake and control verbs
package protocol

import "encoding/json"

// Hello is the first message a client sends after connecting. ClientID is
// a stable identifier the client persists across reconnects; the server
// keys per-client settings on it.
type Hello struct {
	ClientID   string `json:"client_id"`
	HostName   string `json:"host_name"`
	ClientName string `json:"client_name"`
	Version    string `json:"version"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	Instance   int    `json:"instance"`
}

func (h *Hello) Type() MessageType { return TypeHello }

func (h *Hello) MarshalPayload() ([]byte, error) {
	return json.Marshal(h)
}

func (h *Hello) UnmarshalPayload(data []byte) error {
	return json.Unmarshal(data, h)
}

// Command is a free-form control verb, sent out of band ahead of queued
// audio via the sendNow path.
type Command struct {
	Command string            `json:"command"`
	Params  map[string]string `json:"params,omitempty"`
}

func (c *Command) Type() MessageType { return TypeCommand }

func (c *Command) MarshalPayload() ([]byte, error) {
	return json.Marshal(c)
}

func (c *Command) UnmarshalPayload(data []byte) error {
	return json.Unmarshal(data, c)
}
