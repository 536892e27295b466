/*
Package gateway composes one Relay gateway process.

A Node owns the process's connection registry, a router over the shared bus
and a presence tracker over the shared store. It exposes the collaborator API
(Attach, Detach, Track, SendToUsers, PresentUsers) and runs the bus subscriber
loop.

	┌──────────────────────────── Node ─────────────────────────────┐
	│                                                                │
	│  Attach ──► Registry ◄── SendLocal ◄── Router.OnMessage ◄─┐    │
	│     │          │                                          │    │
	│     ▼          ▼ outbound queue (FIFO)                    │    │
	│  sender ──► Sink (WebSocket)                         Run loop  │
	│                                                           │    │
	│  Track ──► Tracker ──► Store            Router.Route ──► Bus ──┘
	│               └──► notify ─────────────────┘                   │
	└────────────────────────────────────────────────────────────────┘

Each attached connection gets one sender goroutine that drains its outbound
queue into the connection's Sink in enqueue order. Detach unregisters the
connection, cancels its sender and closes its presence. A sender whose Sink
fails tears its own connection down the same way, unless the id was
re-attached in the meantime.

Run returns ErrBusClosed if the bus subscription ends without the caller
cancelling it; the process should then exit and be restarted.
*/
package gateway
