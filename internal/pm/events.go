package pm

import (
	"context"
	"fmt"

	"github.com/mdlayher/genetlink"

	"github.com/mptcp-tools/mptcpd/internal/endpoint"
)

// eventGroups are the genl multicast groups mptcpd subscribes to for
// connection-lifecycle notifications, common to both dialects (spec.md
// §6.1: "new_connection, new_addr, new_subflow, subflow_closed,
// conn_closed").
var eventGroups = []string{"new_connection", "new_addr", "new_subflow", "subflow_closed", "conn_closed"}

// EventKind identifies which connection-lifecycle notification an
// Event carries (spec.md §4.7's vtable field names, minus the purely
// local listener_created/listener_closed pair, which has no kernel
// notification of its own).
type EventKind int

const (
	EventNewConnection EventKind = iota
	EventConnectionEstablished
	EventConnectionClosed
	EventNewAddr
	EventAddrRemoved
	EventNewSubflow
	EventSubflowClosed
	EventSubflowPriority
)

// Event is one decoded genl multicast notification (spec.md §4.7,
// §6.1). Fields that do not apply to Kind are left at their zero
// value; e.g. a connection event leaves LocalID/RemoteID/Backup unset.
type Event struct {
	Kind              EventKind
	Token             uint32
	Local, Remote     endpoint.Endpoint
	LocalID, RemoteID uint8
	Backup            bool
	Addr              AddressInfo
}

// startEventLoop dials a connection to familyName dedicated to
// multicast delivery, kept separate from the command/reply conn used
// by execute so a blocked Receive never races execute's request and
// response pairing on the same socket. It joins every eventGroup the
// family advertises and decodes each notification with decode, in a
// goroutine that exits once ctx is done or the connection fails.
func startEventLoop(ctx context.Context, familyName string, decode func(genetlink.Message) (Event, bool)) (<-chan Event, error) {
	ec, err := dial(familyName)
	if err != nil {
		return nil, fmt.Errorf("pm: dial events: %w", err)
	}

	joined := 0
	for _, name := range eventGroups {
		if joinErr := ec.joinGroup(name); joinErr == nil {
			joined++
		}
	}
	if joined == 0 {
		ec.close()
		return nil, fmt.Errorf("pm: family %q advertises none of the expected event groups", familyName)
	}

	go func() {
		<-ctx.Done()
		ec.close()
	}()

	ch := make(chan Event)
	go func() {
		defer close(ch)
		for {
			msgs, recvErr := ec.receive()
			if recvErr != nil {
				return
			}
			for _, m := range msgs {
				ev, ok := decode(m)
				if !ok {
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
