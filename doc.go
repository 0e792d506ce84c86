// Package rdmafetch provides the shared Connection, error taxonomy and
// metrics used by the four RDMA fetch client variants (naive, ideal,
// copy, pipeline), each living in its own subpackage and implementing
// one or more of BlockingClient, NonBlockingClient and AsyncClient.
//
// A typical program dials a Connection once and hands it to a variant
// constructor:
//
//	conn, err := rdmafetch.Dial(ctx, rdmafetch.DefaultConfig("10.0.0.1:18515"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer conn.Close()
//
//	client := naive.New(conn)
//	dest := make([]byte, remote.Length)
//	if err := client.Fetch(ctx, remote, dest); err != nil {
//		log.Fatal(err)
//	}
package rdmafetch
