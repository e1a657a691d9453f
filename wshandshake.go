package vnet

//
// WebSocket opening handshake
//

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"strings"
)

// WebSocketGUID is the GUID appended to the client key to compute the accept value.
const WebSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey computes the Sec-WebSocket-Accept value for a Sec-WebSocket-Key.
func AcceptKey(key string) string {
	digest := sha1.Sum([]byte(key + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(digest[:])
}

// NewWebSocketKey generates a random Sec-WebSocket-Key value.
func NewWebSocketKey() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

// IsWebSocketUpgrade returns whether the headers ask for upgrading to WebSocket.
func IsWebSocketUpgrade(header *Header) bool {
	return headerHasToken(header, "Upgrade", "websocket")
}

// headerHasToken returns whether a comma separated header contains the token.
func headerHasToken(header *Header, name, token string) bool {
	for _, value := range header.Values(name) {
		for _, entry := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(entry), token) {
				return true
			}
		}
	}
	return false
}
