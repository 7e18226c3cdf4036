// Package transport moves fixed-format datagrams between the nodes of a
// lockstep session. It defines the Transport interface and the backends the
// rest of ticsync runs on: a Loopback for single player, a UDP socket, a
// legacy driver that exchanges data through a process-shared control block,
// and an in-process Hub for tests and benchmarks.
//
// Delivery is best effort. A datagram may be dropped, duplicated or
// reordered; the command bus above is built to absorb that. Callers never
// branch on the backend in use.
//
// Typical usage:
//
//	reg := node.NewRegistry()
//	tr, err := transport.ListenUDP(":5029", reg)
//	if err != nil {
//		// fatal: multiplayer cannot start without a transport
//	}
//	defer tr.Close()
//	for {
//		d, ok, err := tr.TryReceive()
//		if err != nil || !ok {
//			break
//		}
//		...
//	}
package transport
