// Package health decodes the agent's probe responses.
package health

import "encoding/json"

// Response is the envelope of /health and /health/ready.
type Response struct {
	Status    string          `json:"status"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Healthy reports whether the probe passed.
func (r Response) Healthy() bool {
	return r.Status == "healthy"
}

// Decode unmarshals the data payload into v. It is a no-op when the
// response carries no data.
func (r Response) Decode(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
