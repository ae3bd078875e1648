/*
Package wsrpc implements a client and a server for the JSON-RPC 2.0 protocol
defined by http://www.jsonrpc.org/specification, with a client built around
a persistent, bidirectional frame transport such as a WebSocket connection.

Clients

A Client owns a single background goroutine that multiplexes every request,
notification, batch and subscription over one connection. The goroutine is
the sole owner of the connection and of the pending-request registry, so no
locking is required inside it; every public Client method communicates with
it by sending a command over a channel and waiting for a reply.

	cli, err := wsrpc.Dial(ctx, "wss://example.com/rpc", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer cli.Close()

	params, _ := json.Marshal([]int{1, 2, 3})
	result, err := cli.Request(ctx, "sum", params)

For a more natural function signature, wrap a method with NewCaller or use
the Call helper, which handles marshaling the parameters and unmarshaling
the result:

	var sum int
	err := wsrpc.Call(ctx, cli, "sum", []int{1, 2, 3}, &sum)

Notifications are fire-and-forget: they carry no id and resolve as soon as
the frame has been handed to the background goroutine's write path.

	err := cli.Notification(ctx, "log", mustJSON(entry))

A batch request multiplexes several calls into a single wire message and
returns their results in input order, regardless of the order the server's
replies appear in its response array:

	results, err := cli.BatchRequest(ctx, []wsrpc.BatchMethod{
		{Method: "sum", Params: mustJSON([]int{1, 2})},
		{Method: "sum", Params: mustJSON([]int{3, 4})},
	})

Subscriptions model a server-initiated stream of notifications addressed by
a subscription id the server returns from the subscribe call:

	sub, err := cli.Subscribe(ctx, "logs_subscribe", nil, "logs_unsubscribe")
	if err != nil {
		log.Fatal(err)
	}
	defer sub.Close()

	var entry LogEntry
	for sub.Next(&entry) {
		handle(entry)
	}

If the transport fails, every pending call and subscription resolves with a
*ClientError of Kind RestartNeeded, and Client.IsConnected begins reporting
false; the client does not reconnect automatically — construct a new one.

Servers

A Server dispatches inbound requests on a channel.Channel to Methods
registered in an Assigner, the simplest of which is a ServiceMap:

	mux, err := wsrpc.NewServiceMap(map[string]wsrpc.Method{
		"sum": sumMethod,
	})
	if err != nil {
		log.Fatal(err)
	}
	srv := wsrpc.NewServer(mux, nil)
	srv.Start(ch)
	err = srv.Wait()

A Method receives the raw request id, the raw params, a ResponseSender to
emit exactly one reply, and the connection id; it either calls tx.Send or
tx.SendError directly, or returns an error for the dispatcher to frame
automatically (a nil return without a reply yields a null result). A batch of requests is dispatched concurrently and its
responses are collected and joined into a single bracketed JSON array, with
an all-notifications batch correctly producing "[]" rather than a bare "]".

See the channel package for the Channel abstraction connecting a Client or
Server to bytes on the wire, including the WebSocket framing used by Dial
and channel.Accept.
*/
package wsrpc
