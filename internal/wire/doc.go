// Package wire defines the messages exchanged between clients and the
// ordering coordinator, their encoding, and the error kinds both sides use.
//
// # Messages
//
// A client sends exactly one request per reply it expects; replies come back
// on the same connection in request order.
//
//	Requests:  connect{client_id, run_id}
//	           do|wait|notify{hook, client_id, seq}
//	           disconnect{client_id}
//	Replies:   connected{client_id, run_id}
//	           ack
//	           error{error: {kind, message}}
//
// # Encoding
//
// Each message is a JSON object. Framing (message boundaries) is the job of
// the transport: a length prefix on stream sockets, one binary message per
// payload on WebSocket connections. Decode validates the message shape, and a
// failure is always reported as ErrProtocol so the server can reject the
// frame and close the connection.
package wire
