package discovery

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// UDP broadcast fallback for networks that block multicast DNS. The
// exchange is a fixed magic: the browser sends MW-DISCOVER to the
// broadcast address and displays answer MW-HERE<port>.
const (
	broadcastRequest  = "MW-DISCOVER"
	broadcastResponse = "MW-HERE"
)

// BroadcastDiscover sends a discovery request to the LAN broadcast address
// on port and collects responses until timeout. Responses carry no peer
// metadata, only a host and signaling port; callers treat the result as a
// hint for hub connection, not as election input.
func BroadcastDiscover(port int, timeout time.Duration, logger *zap.Logger) []DiscoveredLeader {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		logger.Warn("broadcast discovery socket unavailable", zap.Error(err))
		return nil
	}
	defer conn.Close()

	dest := &net.UDPAddr{IP: net.IPv4bcast, Port: port}
	if _, err := conn.WriteTo([]byte(broadcastRequest), dest); err != nil {
		logger.Warn("broadcast discovery send failed", zap.Error(err))
		return nil
	}

	deadline := time.Now().Add(timeout)
	_ = conn.SetReadDeadline(deadline)

	var found []DiscoveredLeader
	buf := make([]byte, 1024)
	for time.Now().Before(deadline) {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			break // deadline or socket error, either way we are done
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		hubPort, ok := parseBroadcastResponse(string(buf[:n]))
		if !ok {
			continue
		}
		logger.Info("broadcast response",
			zap.String("host", udpAddr.IP.String()), zap.Int("port", hubPort))
		found = append(found, DiscoveredLeader{
			DisplayName: "Display@" + udpAddr.IP.String(),
			Role:        "display",
			Host:        udpAddr.IP.String(),
			Port:        hubPort,
		})
	}
	return found
}

// parseBroadcastResponse extracts the advertised port from "MW-HERE<port>".
func parseBroadcastResponse(msg string) (int, bool) {
	rest, ok := strings.CutPrefix(msg, broadcastResponse)
	if !ok {
		return 0, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

// ServeBroadcast answers discovery requests on the display side,
// advertising advertisedPort. A port already in use means another local
// instance is answering; that is a warn, not an error. Blocks until ctx is
// cancelled.
func ServeBroadcast(ctx context.Context, port, advertisedPort int, logger *zap.Logger) {
	conn, err := net.ListenPacket("udp4", ":"+strconv.Itoa(port))
	if err != nil {
		logger.Warn("broadcast listener port busy, another instance may be answering",
			zap.Int("port", port), zap.Error(err))
		return
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	logger.Info("broadcast listener started", zap.Int("port", port))
	response := []byte(broadcastResponse + strconv.Itoa(advertisedPort))
	buf := make([]byte, 1024)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("broadcast listener read", zap.Error(err))
			return
		}
		if string(buf[:n]) != broadcastRequest {
			continue
		}
		if _, err := conn.WriteTo(response, addr); err != nil {
			logger.Warn("broadcast response send failed",
				zap.String("to", addr.String()), zap.Error(err))
		}
	}
}
