// Package turn embeds a TURN/STUN server so mesh participants behind NAT
// can still reach each other. Credentials are generated per boot unless
// pinned through the environment.
package turn

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/turn/v3"
)

type Server struct {
	server   *turn.Server
	username string
	password string

	log *slog.Logger
}

type Credentials struct {
	Username string
	Password string
}

func Start(port int, realm, username, password string, log *slog.Logger) (*Server, error) {
	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("create UDP listener: %w", err)
	}

	if username == "" {
		username = "meshcall"
	}
	if password == "" {
		password = generatePassword()
	}

	relayIP := detectRelayIP(log)
	log.Info("turn relay address selected", "ip", relayIP.String())

	s, err := turn.NewServer(turn.ServerConfig{
		Realm:       realm,
		AuthHandler: staticAuthHandler(username, password),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create TURN server: %w", err)
	}

	return &Server{
		server:   s,
		username: username,
		password: password,
		log:      log,
	}, nil
}

func (s *Server) Credentials() Credentials {
	return Credentials{Username: s.username, Password: s.password}
}

func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func staticAuthHandler(expectedUsername, password string) turn.AuthHandler {
	return func(username string, realm string, srcAddr net.Addr) ([]byte, bool) {
		if username == expectedUsername {
			return turn.GenerateAuthKey(username, realm, password), true
		}
		return nil, false
	}
}

func generatePassword() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// detectRelayIP picks the outbound interface address. Good enough for
// single-host deployments; multi-homed setups should front this with a
// real TURN deployment anyway.
func detectRelayIP(log *slog.Logger) net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		log.Warn("could not determine local IP, using loopback", "error", err)
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP
}
