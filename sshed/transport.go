package sshed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// sessions consume any io.ReadWriteCloser. the usual carrier is an
// ssh-forwarded unix socket, but the byte stream can also be tunneled over a
// websocket when no ssh session is available. before the protocol starts the
// dialer sends its token as the first binary message and expects it echoed
// back unchanged.

type WsTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	WriteTimeout       time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		WriteTimeout:       5 * time.Second,
	}
}

// WsStream adapts a websocket connection to the byte-stream interface the
// sessions read frames from. Each Write is one binary message; Reads carry
// over message remainders. Empty binary messages are pings and are skipped.
type WsStream struct {
	ws       *websocket.Conn
	settings *WsTransportSettings

	readRemainder []byte
}

func NewWsStream(ws *websocket.Conn, settings *WsTransportSettings) *WsStream {
	return &WsStream{
		ws:       ws,
		settings: settings,
	}
}

func (self *WsStream) Read(p []byte) (int, error) {
	for len(self.readRemainder) == 0 {
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		switch messageType {
		case websocket.BinaryMessage:
			self.readRemainder = message
		default:
			glog.V(2).Infof("[ws]other message type %d\n", messageType)
		}
	}
	n := copy(p, self.readRemainder)
	self.readRemainder = self.readRemainder[n:]
	return n, nil
}

func (self *WsStream) Write(p []byte) (int, error) {
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := self.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (self *WsStream) Close() error {
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	self.ws.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	return self.ws.Close()
}

// WsDial connects to a websocket endpoint and authenticates with the
// auth-echo handshake. An empty token skips the handshake.
func WsDial(ctx context.Context, url string, token string, settings *WsTransportSettings) (*WsStream, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	if token != "" {
		ws.SetWriteDeadline(time.Now().Add(settings.AuthTimeout))
		if err := ws.WriteMessage(websocket.BinaryMessage, []byte(token)); err != nil {
			return nil, err
		}
		ws.SetReadDeadline(time.Now().Add(settings.AuthTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		// verify the auth echo
		if messageType != websocket.BinaryMessage || !bytes.Equal([]byte(token), message) {
			return nil, fmt.Errorf("auth response error: bad bytes")
		}
		ws.SetReadDeadline(time.Time{})
	}

	success = true
	return NewWsStream(ws, settings), nil
}

// WsAccept upgrades an http request and runs the acceptor side of the
// auth-echo handshake. A nil verify skips authentication.
func WsAccept(w http.ResponseWriter, r *http.Request, verify func(token string) error, settings *WsTransportSettings) (*WsStream, error) {
	upgrader := &websocket.Upgrader{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	if verify != nil {
		ws.SetReadDeadline(time.Now().Add(settings.AuthTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.BinaryMessage {
			return nil, fmt.Errorf("auth error: expected a binary token message")
		}
		if err := verify(string(message)); err != nil {
			return nil, err
		}
		ws.SetReadDeadline(time.Time{})
		ws.SetWriteDeadline(time.Now().Add(settings.AuthTimeout))
		if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
			return nil, err
		}
	}

	success = true
	return NewWsStream(ws, settings), nil
}

// JwtVerifier returns a verify function for WsAccept that checks an HS256
// token against a shared secret.
func JwtVerifier(secret []byte) func(token string) error {
	return func(token string) error {
		parsed, err := gojwt.Parse(
			token,
			func(t *gojwt.Token) (any, error) {
				return secret, nil
			},
			gojwt.WithValidMethods([]string{"HS256"}),
		)
		if err != nil {
			return err
		}
		if !parsed.Valid {
			return fmt.Errorf("invalid token")
		}
		return nil
	}
}

// JwtSubject extracts the subject claim without verifying the signature,
// for logging which peer connected.
func JwtSubject(token string) (string, error) {
	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", err
	}
	return claims.GetSubject()
}
