package ws

import (
	"log"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig controls idle connection eviction.
type HeartbeatConfig struct {
	Interval time.Duration // between sweeps, each of which pings every live connection
	Timeout  time.Duration // grace after Interval before a silent client is evicted
}

// DefaultHeartbeatConfig pings every 30s and evicts after 40s of silence.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat sweeps the server's connections every Interval until
// shutdown. Evictions go through RemoveConnection, so the disconnect hook
// releases memberships and presence.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				if n := sweep(server, config, now); n > 0 {
					log.Printf("ws: heartbeat evicted %d connections", n)
				}
			}
		}
	}()
}

// sweep evicts connections silent for longer than Interval + Timeout and
// sends a ping frame to the rest. Any frame the client sends back, pong
// included, counts as activity. It returns the number evicted.
func sweep(server *Server, config HeartbeatConfig, now time.Time) int {
	limit := config.Interval + config.Timeout
	evicted := 0
	for _, c := range server.Connections().All() {
		if idle := c.Idle(now); idle > limit {
			log.Printf("ws: heartbeat timeout user=%s conn=%s idle=%s",
				c.UserID, c.ID, idle.Round(time.Second))
			server.RemoveConnection(c)
			evicted++
			continue
		}
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed user=%s conn=%s: %v", c.UserID, c.ID, err)
			server.RemoveConnection(c)
			evicted++
		}
	}
	return evicted
}

// WritePing sends a protocol-level ping frame, serialized with other writes.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
