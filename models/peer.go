package models

import "time"

// Peer represents a LAN device seen through a discovery announcement.
type Peer struct {
	Address     string    `json:"address"`
	DisplayName string    `json:"display_name"`
	Platform    string    `json:"platform"`
	LastSeen    time.Time `json:"last_seen"`
}

// Label returns a human readable peer label.
func (p Peer) Label() string {
	if p.DisplayName == "" {
		return p.Address
	}
	return p.DisplayName + " (" + p.Address + ")"
}
