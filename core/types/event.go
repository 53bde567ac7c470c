package types

// Event represents a typed event emitted by bridge components.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
