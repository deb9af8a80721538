// Package relay streams translation status over websockets. Each connection
// owns a poll client; every bus delivery is forwarded as a JSON Message and
// the peer can cancel or restart polling with control messages.
package relay
