// Sends socket map queries to a running smapd.
//
// A [Client] holds one connection and sends queries on it one at a time,
// either as plain lines or netstring-framed:
//
//	c, err := client.Dial(ctx, client.Options{URL: "unix:///run/smapd/smapd.sock"})
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	reply, err := c.Query("aliases", "postmaster")
package client
