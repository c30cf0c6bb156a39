// Package bridge provides synchronous JSON-RPC calls over asynchronous messaging.
//
// A Client publishes each request with a fresh correlation id and the name of
// its private reply queue as reply_to, then blocks until the server's reply
// with the same correlation id arrives, the context is done or the client is
// closed. Replies nobody waits for anymore are acknowledged and dropped.
//
// Basic usage:
//
//	client, err := bridge.NewClient(requests, replies, replyQueue,
//	    bridge.WithDefaultTimeout(10*time.Second),
//	    bridge.WithPublishRetries(3, 100*time.Millisecond),
//	)
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	var sum int
//	err = client.Call(ctx, "calculator", "add", map[string]int{"a": 1, "b": 2}, &sum)
//
// A *jsonrpc.Error returned by Call carries the code, message and data of the
// server's error reply.
package bridge
