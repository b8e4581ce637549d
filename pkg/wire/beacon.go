package wire

import "time"

// PeerAnnounce is the UDP broadcast payload described in spec §6 for the
// LAN beacon (C12): a periodic JSON announcement of one device's presence
// on the local network, carrying the port its signaling-capable listener
// answers on.
type PeerAnnounce struct {
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	Port       int       `json:"port"`
	Timestamp  time.Time `json:"timestamp"`
}
