// Package stun runs the embedded STUN responder advertised to clients in
// the ICE configuration. Relay allocations are always refused.
package stun

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/turn/v3"
)

type Server struct {
	server *turn.Server
	port   int

	logger *slog.Logger
}

// Initialize listens on the given UDP port. Port 0 picks a free port.
func Initialize(port int, realm string, logger *slog.Logger) (*Server, error) {
	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP listener: %w", err)
	}

	s, err := turn.NewServer(turn.ServerConfig{
		Realm:       realm,
		AuthHandler: refuseRelay(logger),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				// Never reached: every allocation fails authentication.
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: net.ParseIP("127.0.0.1"),
					Address:      "127.0.0.1",
				},
			},
		},
	})
	if err != nil {
		_ = udpListener.Close()
		return nil, fmt.Errorf("failed to create STUN server: %w", err)
	}

	actual := udpListener.LocalAddr().(*net.UDPAddr).Port
	logger.Info(fmt.Sprintf("STUN server initialized on port %d", actual))

	return &Server{
		server: s,
		port:   actual,
		logger: logger,
	}, nil
}

func (s *Server) Port() int {
	return s.port
}

// URL is the stun: URL clients use for the given host.
func (s *Server) URL(host string) string {
	return fmt.Sprintf("stun:%s:%d", host, s.port)
}

func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func refuseRelay(logger *slog.Logger) turn.AuthHandler {
	return func(username string, realm string, srcAddr net.Addr) ([]byte, bool) {
		logger.Debug("stun relay allocation refused", "username", username, "addr", srcAddr.String())
		return nil, false
	}
}
