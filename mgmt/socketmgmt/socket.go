// Package socketmgmt exposes open sockets.
package socketmgmt

import (
	"errors"

	"github.com/sdrnet/udpdk/xport"
)

// ErrNoSocket indicates the socket does not exist.
var ErrNoSocket = errors.New("socket not found")

// IDArg identifies a socket.
type IDArg struct {
	ID uint64 `json:"id"`
}

// SocketMgmt is the Socket service.
type SocketMgmt struct {
	Ctx *xport.Context
}

func (mg SocketMgmt) find(id uint64) (*xport.Socket, error) {
	if mg.Ctx == nil {
		return nil, xport.ErrNotInitialized
	}
	sock := mg.Ctx.FindSocket(id)
	if sock == nil {
		return nil, ErrNoSocket
	}
	return sock, nil
}

// List returns information about open sockets.
func (mg SocketMgmt) List(args struct{}, reply *[]xport.SocketInfo) error {
	if mg.Ctx == nil {
		return xport.ErrNotInitialized
	}
	list := []xport.SocketInfo{}
	for _, sock := range mg.Ctx.Sockets() {
		list = append(list, sock.Info())
	}
	*reply = list
	return nil
}

// Get returns information about a socket.
func (mg SocketMgmt) Get(args IDArg, reply *xport.SocketInfo) error {
	sock, e := mg.find(args.ID)
	if e != nil {
		return e
	}
	*reply = sock.Info()
	return nil
}

// Close closes a socket.
// The owner of the socket observes ErrClosed on subsequent operations.
func (mg SocketMgmt) Close(args IDArg, reply *struct{}) error {
	sock, e := mg.find(args.ID)
	if e != nil {
		return e
	}
	return sock.Close()
}
