package ws

import (
	"log"
	"time"
)

// PingInterval is the protocol-level keep-alive cadence expected from
// clients. The server does not ping on its own; it answers client pings with
// pongs and evicts connections that stay silent.
const PingInterval = 25 * time.Second

// HeartbeatConfig holds idle-eviction tuning parameters.
type HeartbeatConfig struct {
	SweepInterval time.Duration // how often to scan for dead connections
	IdleTimeout   time.Duration // max silence before a connection is closed
}

// DefaultHeartbeatConfig allows three missed ping intervals before eviction,
// a margin compatible with common reverse-proxy idle timeouts.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		SweepInterval: 30 * time.Second,
		IdleTimeout:   3 * PingInterval,
	}
}

// StartHeartbeat begins a background goroutine that periodically scans all
// connections and closes those with no inbound activity within IdleTimeout.
// Eviction goes through Server.RemoveConnection, so the cleanup path is
// identical to a normal close. The goroutine exits when the server's done
// channel is closed.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				sweepConnections(server, config)
			}
		}
	}()
}

// sweepConnections evicts every connection whose last inbound frame (data or
// ping) is older than IdleTimeout.
func sweepConnections(server *Server, config HeartbeatConfig) {
	now := time.Now()

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastPing); idle > config.IdleTimeout {
			log.Printf("ws: heartbeat timeout conn=%s user=%s idle=%s",
				c.ID, c.User, idle.Round(time.Second))
			server.RemoveConnection(c)
		}
	}
}
