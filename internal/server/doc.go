// Package server implements the smapd connection session.
//
// A session reads "MAP KEY" requests from a client, one per line, runs each
// through the dispatch chain and writes the single-line reply back. With
// the sockmap protocol, requests and replies are netstring-framed instead.
// Requests on one connection are answered strictly in order.
//
// The session ends when the client closes its side, when no request arrives
// within the idle timeout, or on the first protocol error. A request line
// without a space is a protocol error and drops the connection.
//
// [Serve] handles a connection accepted by the server manager, either in a
// worker process or in a goroutine of the daemon. [ServeInetd] handles a
// connection passed on standard input and output by inetd.
//
// Example usage:
//
//	err := server.Serve(ctx, conn, &server.Options{
//	    ServerID: "local",
//	    Chain:    chain,
//	    Idle:     10 * time.Minute,
//	    Logger:   logger,
//	})
package server
