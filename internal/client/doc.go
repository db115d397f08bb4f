// Package client is the embedding program's side of the ordering protocol.
//
// Start dials the coordinator, performs the connect handshake and returns a
// Link plus the Worker that owns the connection's read side:
//
//	link, worker, err := client.Start(ctx, "tcp://127.0.0.1:15045", -1)
//	if err != nil { ... }
//	defer worker.Wait()
//	defer link.Finish()
//
//	link.MaybeDo("A0", 0, 0)
//	link.MaybeWait("A4", 0, 1) // blocks until some client notifies A4/0/1
//
// A Link performs one operation at a time; concurrent callers are serialized.
// Every call returns nil or a *wire.Error whose kind says what went wrong.
//
// Programs that may run without a coordinator use StartFromEnv, which returns
// Nop when no address is configured.
package client
