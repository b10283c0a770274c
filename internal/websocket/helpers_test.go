package websocket

import (
	"context"
	"sync/atomic"

	"presencehub/pkg/interfaces"
)

func contextForTest() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}

// fakeConnection is an in-memory interfaces.Connection
type fakeConnection struct {
	id     string
	userID string
	closed atomic.Bool
}

func newFakeConnection(id, userID string) *fakeConnection {
	return &fakeConnection{id: id, userID: userID}
}

func (f *fakeConnection) WriteJSON(v interface{}) error { return nil }
func (f *fakeConnection) Close() error                  { f.closed.Store(true); return nil }
func (f *fakeConnection) ID() string                    { return f.id }
func (f *fakeConnection) UserID() string                { return f.userID }

func (f *fakeConnection) State() interfaces.ConnectionState {
	switch {
	case f.closed.Load():
		return interfaces.StateClosed
	case f.userID == "":
		return interfaces.StateConnecting
	default:
		return interfaces.StateAuthenticated
	}
}

func (f *fakeConnection) IsAuthenticated() bool {
	return f.State() == interfaces.StateAuthenticated
}
