// Package portmgmt exposes ports and workers.
package portmgmt

import (
	"github.com/sdrnet/udpdk/xport"
)

// PortMgmt is the Port service.
type PortMgmt struct {
	Ctx *xport.Context
}

func (mg PortMgmt) find(id int) (*xport.Port, error) {
	if mg.Ctx == nil {
		return nil, xport.ErrNotInitialized
	}
	port := mg.Ctx.Port(id)
	if port == nil {
		return nil, xport.ErrNoPort
	}
	return port, nil
}

// List returns information about all ports.
func (mg PortMgmt) List(args struct{}, reply *[]PortInfo) error {
	if mg.Ctx == nil {
		return xport.ErrNotInitialized
	}
	list := []PortInfo{}
	for _, port := range mg.Ctx.Ports() {
		list = append(list, makePortInfo(port))
	}
	*reply = list
	return nil
}

// Get returns information about a port.
func (mg PortMgmt) Get(args IDArg, reply *PortInfo) error {
	port, e := mg.find(args.ID)
	if e != nil {
		return e
	}
	*reply = makePortInfo(port)
	return nil
}

// SetIPv4 changes the IPv4 address and subnet of a port.
func (mg PortMgmt) SetIPv4(args SetIPv4Arg, reply *PortInfo) error {
	port, e := mg.find(args.ID)
	if e != nil {
		return e
	}
	if e := port.SetIPv4(args.IPv4); e != nil {
		return e
	}
	*reply = makePortInfo(port)
	return nil
}

// WorkerMgmt is the Worker service.
type WorkerMgmt struct {
	Ctx *xport.Context
}

// List returns information about all workers.
func (mg WorkerMgmt) List(args struct{}, reply *[]WorkerInfo) error {
	if mg.Ctx == nil {
		return xport.ErrNotInitialized
	}
	list := []WorkerInfo{}
	for _, w := range mg.Ctx.Workers() {
		info := WorkerInfo{
			LCore: w.LCore(),
			State: w.State().String(),
			Ports: []int{},
			Load:  w.ThreadLoadStat(),
		}
		for _, port := range w.Ports() {
			info.Ports = append(info.Ports, port.ID())
		}
		list = append(list, info)
	}
	*reply = list
	return nil
}
