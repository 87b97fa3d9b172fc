package domain

// MouseEvent is an input event captured on the viewer and applied on
// the host. Type is one of "move", "down", "up".
type MouseEvent struct {
	Type   string `json:"type"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Button int    `json:"button,omitempty"`
}

// KeyboardEvent mirrors MouseEvent for keys. Type is "down" or "up".
type KeyboardEvent struct {
	Type      string   `json:"type"`
	Key       string   `json:"key"`
	Modifiers []string `json:"modifiers,omitempty"`
}
