package pm

import (
	"fmt"
	"sync"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

// conn is the shared genetlink transport used by both dialect
// implementations. Its Dial/execute/runConn shape, including the
// request/response channel pair serializing access to the underlying
// *genetlink.Conn, is adapted from nll2tp.Conn in
// _examples/other_examples/c8ec7c92_katalix-go-l2tp-debian; only the
// family name and command set differ between the two dialects built
// on top of it.
type conn struct {
	family genetlink.Family
	c      *genetlink.Conn
	reqCh  chan *request
	rspCh  chan *response
	wg     sync.WaitGroup
}

type request struct {
	msg   genetlink.Message
	flags netlink.HeaderFlags
}

type response struct {
	msgs []genetlink.Message
	err  error
}

// dial resolves familyName over generic netlink and starts the
// serializing request goroutine. Returns an error (not ErrNotReady) if
// the family cannot be resolved yet -- callers use this during the
// supervisor's family-appearance watch and retry.
func dial(familyName string) (*conn, error) {
	gc, err := genetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("pm: dial genetlink: %w", err)
	}

	family, err := gc.GetFamily(familyName)
	if err != nil {
		gc.Close()
		return nil, fmt.Errorf("pm: resolve family %q: %w", familyName, err)
	}

	c := &conn{
		family: family,
		c:      gc,
		reqCh:  make(chan *request),
		rspCh:  make(chan *response),
	}

	c.wg.Add(1)
	go c.run()

	return c, nil
}

func (c *conn) run() {
	defer c.wg.Done()
	for req := range c.reqCh {
		msgs, err := c.c.Execute(req.msg, c.family.ID, req.flags)
		c.rspCh <- &response{msgs: msgs, err: err}
	}
}

// execute sends a command and waits for its reply (or dump) on the
// serializing goroutine.
func (c *conn) execute(command uint8, flags netlink.HeaderFlags, data []byte) ([]genetlink.Message, error) {
	c.reqCh <- &request{
		msg: genetlink.Message{
			Header: genetlink.Header{
				Command: command,
				Version: c.family.Version,
			},
			Data: data,
		},
		flags: flags,
	}

	rsp, ok := <-c.rspCh
	if !ok {
		return nil, fmt.Errorf("%w: connection closed", ErrSend)
	}
	if rsp.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSend, rsp.err)
	}
	return rsp.msgs, nil
}

// joinGroup subscribes the connection to a multicast group advertised
// by the resolved family (spec.md §6.1: new_connection, new_addr,
// new_subflow, subflow_closed, conn_closed).
func (c *conn) joinGroup(name string) error {
	for _, g := range c.family.Groups {
		if g.Name == name {
			if err := c.c.JoinGroup(g.ID); err != nil {
				return fmt.Errorf("pm: join group %q: %w", name, err)
			}
			return nil
		}
	}
	return fmt.Errorf("pm: group %q not advertised by family %q", name, c.family.Name)
}

// receive blocks for the next multicast notification. Used by the
// supervisor's event-dispatch goroutine, not by command execution.
func (c *conn) receive() ([]genetlink.Message, error) {
	msgs, _, err := c.c.Receive()
	if err != nil {
		return nil, fmt.Errorf("pm: receive: %w", err)
	}
	return msgs, nil
}

func (c *conn) close() error {
	close(c.reqCh)
	c.wg.Wait()
	if err := c.c.Close(); err != nil {
		return fmt.Errorf("pm: close: %w", err)
	}
	return nil
}
