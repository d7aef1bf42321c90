// Package client is the Go SDK for DBLive, a hosted real-time key/value
// store. It keeps a local view of the keys an application reads, subscribes
// to live changes over several redundant sockets and writes through the
// socket transport or the REST API.
//
// # Quick start
//
//	ctx := context.Background()
//	cli, err := client.New("my-app-key")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Dispose()
//
//	if _, err := cli.Set(ctx, "greeting", "hello"); err != nil {
//	    log.Fatal(err)
//	}
//	v, ok := cli.Get(ctx, "greeting")
//	fmt.Println(v, ok)
//
// Every operation connects on demand. Connect may also be called up front;
// concurrent callers share one handshake.
//
// # Live values
//
// Client.Key returns the watcher of a key. The watcher loads the locally
// cached value, registers a server-side watch and revalidates the value with
// an etag check before Get returns. GetAndListen and Key.OnChanged register a
// Listener; a key stays watched while at least one of its listeners is
// listening, and Listener.SetListening(false) pauses delivery without
// dropping the watcher.
//
// A client tags its writes with its own identity (Client.ID). The push the
// server sends back for such a write is ignored by the same client because
// its listeners were already notified when Set was called.
//
// # Locks
//
// Lock acquires a server lock and returns a handle that must be released
// with Unlock or Close. LockAndSet wraps the whole read-modify-write:
//
//	ok, err := cli.LockAndSet(ctx, "counter", func(ctx context.Context, cur client.Value, exists bool) (any, error) {
//	    n := 0
//	    if exists {
//	        _ = cur.Unmarshal(&n)
//	    }
//	    return n + 1, nil
//	})
//
// # Failure model
//
// Reads report absence instead of failing. Writes report whether the server
// confirmed them; errors are reserved for connect failures, cancelled
// contexts, disposed clients and values that cannot be encoded. Lock
// returns ErrLockNotGranted when the server does not grant the lock.
//
// Events such as connect, error, socket-connected, socket-reconnected and
// reset are published on the client's bus; subscribe with On, Once and Off.
package client
