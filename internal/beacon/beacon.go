// Package beacon implements the LAN discovery beacon (C12): a periodic
// UDP broadcast announcing this device's presence, and a listener that
// collects peer announcements into an aged directory.
package beacon

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/relaydesk/agent/internal/logging"
	"github.com/relaydesk/agent/pkg/wire"
)

var log = logging.L("beacon")

const (
	// DefaultPort is the well-known UDP port both the broadcaster and
	// listener use, per spec §6 (config key lan_beacon_port, default 9090).
	DefaultPort = 9090
	// DefaultInterval is how often PeerAnnounce is broadcast.
	DefaultInterval = 5 * time.Second
	// DefaultTimeout is how long a directory entry survives without a
	// refreshing announcement before eviction.
	DefaultTimeout = 30 * time.Second

	maxDatagramSize = 2048
)

// broadcastTargets are the addresses a PeerAnnounce is sent to: the global
// broadcast address plus the /16 broadcast address of each RFC1918 block,
// since a host's actual subnet mask isn't assumed.
var broadcastTargets = []string{
	"255.255.255.255",
	"10.255.255.255",
	"172.31.255.255",
	"192.168.255.255",
}

// Config configures a Beacon.
type Config struct {
	DeviceID   string
	DeviceName string
	// Port is the announce port to advertise and listen on for this
	// device (the listening service's port, not necessarily the beacon's
	// own transport port).
	Port int
	// ListenPort is the UDP port the beacon transmits from and listens
	// on. Defaults to DefaultPort.
	ListenPort int
	Interval   time.Duration
	Timeout    time.Duration
}

// DirectoryEntry is one peer currently visible on the LAN.
type DirectoryEntry struct {
	Announce wire.PeerAnnounce
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// Beacon broadcasts this device's presence and maintains a directory of
// peers discovered the same way.
type Beacon struct {
	cfg  Config
	conn *net.UDPConn

	mu        sync.Mutex
	directory map[string]DirectoryEntry

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a Beacon. Call Start to begin broadcasting and listening.
func New(cfg Config) *Beacon {
	if cfg.ListenPort <= 0 {
		cfg.ListenPort = DefaultPort
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Beacon{
		cfg:       cfg,
		directory: make(map[string]DirectoryEntry),
		done:      make(chan struct{}),
	}
}

// Start opens the shared UDP socket and launches the broadcast and
// listen loops, plus a directory-aging sweep.
func (b *Beacon) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: b.cfg.ListenPort})
	if err != nil {
		return err
	}
	b.conn = conn

	// Broadcasting to 255.255.255.255 (and the subnet broadcast addresses
	// in broadcastTargets) requires SO_BROADCAST; without it the kernel
	// refuses the send with EACCES on Linux.
	if err := ipv4.NewPacketConn(conn).SetBroadcast(true); err != nil {
		log.Warn("failed to set SO_BROADCAST, LAN announcements may not leave the host", "error", err)
	}

	b.wg.Add(3)
	go b.broadcastLoop()
	go b.listenLoop()
	go b.ageLoop()
	return nil
}

// Stop closes the socket and waits for all loops to exit.
func (b *Beacon) Stop() {
	select {
	case <-b.done:
		return
	default:
		close(b.done)
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.wg.Wait()
}

// Directory returns a snapshot of currently known peers.
func (b *Beacon) Directory() []DirectoryEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := make([]DirectoryEntry, 0, len(b.directory))
	for _, e := range b.directory {
		entries = append(entries, e)
	}
	return entries
}

func (b *Beacon) broadcastLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	b.announceOnce()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.announceOnce()
		}
	}
}

func (b *Beacon) announceOnce() {
	announce := wire.PeerAnnounce{
		DeviceID:   b.cfg.DeviceID,
		DeviceName: b.cfg.DeviceName,
		Port:       b.cfg.Port,
		Timestamp:  time.Now(),
	}
	payload, err := json.Marshal(announce)
	if err != nil {
		log.Warn("failed to marshal announcement", "error", err)
		return
	}

	for _, target := range broadcastTargets {
		addr := &net.UDPAddr{IP: net.ParseIP(target), Port: b.cfg.ListenPort}
		if _, err := b.conn.WriteToUDP(payload, addr); err != nil {
			log.Debug("broadcast send failed", "target", target, "error", err)
		}
	}
}

func (b *Beacon) listenLoop() {
	defer b.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-b.done:
			return
		default:
		}

		_ = b.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-b.done:
				return
			default:
				continue
			}
		}

		entry, ok := decodeAnnouncement(b.cfg.DeviceID, buf[:n], addr)
		if !ok {
			continue
		}

		b.mu.Lock()
		b.directory[entry.Announce.DeviceID] = entry
		b.mu.Unlock()
	}
}

// decodeAnnouncement parses a received datagram into a DirectoryEntry,
// returning ok=false for malformed payloads or self-announcements
// (Testable Property 9: a device never adds itself to its own directory).
func decodeAnnouncement(selfID string, data []byte, addr *net.UDPAddr) (DirectoryEntry, bool) {
	var announce wire.PeerAnnounce
	if err := json.Unmarshal(data, &announce); err != nil {
		return DirectoryEntry{}, false
	}
	if announce.DeviceID == "" || announce.DeviceID == selfID {
		return DirectoryEntry{}, false
	}
	return DirectoryEntry{
		Announce: announce,
		Addr:     addr,
		LastSeen: time.Now(),
	}, true
}

func (b *Beacon) ageLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.Timeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.evictStale()
		}
	}
}

func (b *Beacon) evictStale() {
	cutoff := time.Now().Add(-b.cfg.Timeout)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, entry := range b.directory {
		if entry.LastSeen.Before(cutoff) {
			delete(b.directory, id)
		}
	}
}
