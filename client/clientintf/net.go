package clientintf

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"
)

// wsConn adapts a websocket connection to the Conn interface. Control
// frames are handled by the underlying library; only data frames surface
// through ReadMessage.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// WebsocketDialer returns a dialer that connects to the given wss:// URL.
// serverCertPath optionally pins the server certificate; when empty the
// system roots are used.
func WebsocketDialer(url string, log slog.Logger, serverCertPath string) (Dialer, error) {
	tlsConfig := &tls.Config{
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256},
	}
	if serverCertPath != "" {
		serverCert, err := os.ReadFile(serverCertPath)
		if err != nil {
			return nil, fmt.Errorf("unable to load server cert file: %v", err)
		}
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(serverCert)
		tlsConfig.RootCAs = pool
	}

	netDialer := net.Dialer{}
	wsDialer := websocket.Dialer{
		NetDialContext:  netDialer.DialContext,
		TLSClientConfig: tlsConfig,
	}
	dialer := func(ctx context.Context) (Conn, error) {
		//nolint:bodyclose
		conn, _, err := wsDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		log.Debugf("Connected to server %s", url)
		return &wsConn{conn: conn}, nil
	}
	return dialer, nil
}
