// Package xport implements a kernel-bypass UDP/IPv4 transport on poll-mode worker lcores.
//
// A Context owns ports and workers. Each started port is serviced by one worker, which runs a
// poll loop that receives frames, answers and learns ARP, dispatches UDP datagrams to sockets,
// and transmits buffers enqueued by sockets. Caller threads never touch port tables directly:
// they submit requests to the worker and wait for completion.
package xport

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sdrnet/udpdk/core/logging"
	"github.com/sdrnet/udpdk/core/macaddr"
	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/sdrnet/udpdk/dpdk/ealinit"
	"github.com/sdrnet/udpdk/dpdk/ethdev"
	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
	"github.com/sdrnet/udpdk/xport/xhdr"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var logger = logging.New("xport")

// fatal reports an unrecoverable misconfiguration.
// Tests may replace it so that the process does not exit.
var fatal = func(msg string, fields ...zap.Field) {
	logger.Fatal(msg, fields...)
}

var current atomic.Pointer[Context]

// Current returns the initialized Context, or nil.
func Current() *Context {
	return current.Load()
}

// Context is the global transport state.
type Context struct {
	mutex   sync.Mutex
	ports   []*Port
	workers map[int]*Worker
	pools   map[int]*poolPair
	cfg     StartConfig
	started bool

	sockMutex  sync.Mutex
	sockets    map[uint64]*Socket
	lastSockID uint64
}

// Init initializes the Context.
// EAL is initialized from cfg.Eal unless it has been initialized already.
// It is fatal if there is no port or no worker lcore.
// A failed Init leaves no Context behind and may be retried.
func Init(cfg InitConfig) (*Context, error) {
	ctx := &Context{
		workers: map[int]*Worker{},
		pools:   map[int]*poolPair{},
		sockets: map[uint64]*Socket{},
	}
	if !current.CompareAndSwap(nil, ctx) {
		return nil, ErrAlreadyInitialized
	}
	if e := ctx.init(cfg); e != nil {
		current.CompareAndSwap(ctx, nil)
		return nil, e
	}
	return ctx, nil
}

func (ctx *Context) init(cfg InitConfig) error {

	if !eal.MainLCore.Valid() {
		args, e := cfg.Eal.Args(nil)
		if e != nil {
			return e
		}
		if e := ealinit.Init(args); e != nil {
			return e
		}
	}

	var devs []ethdev.EthDev
	if len(cfg.Ports) == 0 {
		devs = ethdev.List()
	} else {
		for _, name := range cfg.Ports {
			dev := ethdev.Find(name)
			if dev == nil {
				return fmt.Errorf("%w: %s", ErrNoPort, name)
			}
			devs = append(devs, dev)
		}
	}
	if len(devs) == 0 {
		fatal("no Ethernet port")
		return ErrNoPort
	}
	if len(eal.Workers) == 0 {
		fatal("no worker lcore")
		return ealinit.ErrNoWorker
	}

	for i, dev := range devs {
		ctx.ports = append(ctx.ports, newPort(i, dev))
	}
	logger.Info("context initialized",
		zap.Int("ports", len(ctx.ports)),
		zap.Array("workers", eal.Workers),
	)
	return nil
}

// poolsFor returns the pool pair of a NUMA socket, creating it on first use.
func (ctx *Context) poolsFor(socket eal.NumaSocket) (*poolPair, error) {
	if pp := ctx.pools[socket.ID()]; pp != nil {
		return pp, nil
	}
	poolCfg := pktmbuf.PoolConfig{
		Capacity:  ctx.cfg.NumBufs,
		Dataroom:  xhdr.EthernetLen + ctx.cfg.MTU,
		CacheSize: ctx.cfg.CacheSize,
	}
	var pp poolPair
	var e error
	if pp.rx, e = pktmbuf.NewPool(poolCfg, socket); e != nil {
		return nil, e
	}
	if pp.tx, e = pktmbuf.NewPool(poolCfg, socket); e != nil {
		return nil, e
	}
	ctx.pools[socket.ID()] = &pp
	return &pp, nil
}

// Start creates workers, starts ports, and launches poll loops.
// Workers that service no port are created but not launched.
// If Start fails, ports are stopped and workers are discarded, so that Start may be retried.
func (ctx *Context) Start(cfg StartConfig) (e error) {
	ctx.mutex.Lock()
	defer ctx.mutex.Unlock()
	if ctx.started {
		return ErrAlreadyStarted
	}
	cfg.applyDefaults()
	if len(cfg.PortWorkers) > len(ctx.ports) {
		return fmt.Errorf("%w: %d ports requested, %d available", ErrNoPort, len(cfg.PortWorkers), len(ctx.ports))
	}
	for i, lcID := range cfg.PortWorkers {
		if !eal.Workers.Contains(eal.LCoreFromID(lcID)) {
			return fmt.Errorf("%w: port %d lcore %d", ErrBadWorker, i, lcID)
		}
	}
	ctx.cfg = cfg
	defer func() {
		if e != nil {
			ctx.rollbackStart()
		}
	}()

	for _, lc := range eal.Workers {
		pools, e := ctx.poolsFor(lc.NumaSocket())
		if e != nil {
			fatal("packet pool allocation failed", zap.Stringer("socket", lc.NumaSocket()), zap.Error(e))
			return e
		}
		w, e := newWorker(lc, pools)
		if e != nil {
			fatal("worker allocation failed", lc.ZapField("lc"), zap.Error(e))
			return e
		}
		w.tap = cfg.Tap
		ctx.workers[lc.ID()] = w
	}

	for i, lcID := range cfg.PortWorkers {
		if e := ctx.startPort(ctx.ports[i], ctx.workers[lcID]); e != nil {
			return e
		}
	}

	var launched eal.LCores
	for _, lc := range eal.Workers {
		w := ctx.workers[lc.ID()]
		if len(w.ports) == 0 {
			continue
		}
		if e := w.launch(cfg.StopTimeout.Duration()); e != nil {
			return fmt.Errorf("launch worker %s: %w", lc, e)
		}
		launched = append(launched, lc)
	}
	ctx.started = true

	time.Sleep(cfg.LinkUpDelay.Duration())
	for _, port := range ctx.ports[:len(cfg.PortWorkers)] {
		port.logger.Info("link status",
			zap.Bool("up", port.LinkUp()),
			zap.Stringer("mac", port.mac),
			port.worker.LCore().ZapField("lc"),
		)
	}

	if !cfg.KeepAffinity {
		if e := eal.RestrictNonWorkerAffinity(launched); e != nil {
			logger.Warn("RestrictNonWorkerAffinity error", zap.Error(e))
		}
	}
	return nil
}

func (ctx *Context) startPort(port *Port, w *Worker) error {
	info := port.dev.DevInfo()
	if !info.HasTxChecksumOffload() {
		fatal("port cannot offload IPv4 checksum", zap.Int("port", port.id), zap.String("driver", info.DriverName))
		return ethdev.ErrOffload
	}

	socket := port.dev.NumaSocket()
	if socket.IsAny() {
		socket = w.LCore().NumaSocket()
	}
	var devCfg ethdev.Config
	devCfg.MTU = ctx.cfg.MTU
	devCfg.AddRxQueues(1, ethdev.RxQueueConfig{
		Capacity: ctx.cfg.NicQueueCapacity,
		Socket:   socket,
		RxPool:   w.pools.rx,
	})
	devCfg.AddTxQueues(1, ethdev.TxQueueConfig{
		Capacity: ctx.cfg.NicQueueCapacity,
		Socket:   socket,
	})
	devCfg.TxOffloads = ethdev.OffloadIPv4Cksum
	if info.HasRxChecksumOffload() {
		devCfg.RxOffloads = ethdev.OffloadIPv4Cksum
	}
	if e := port.dev.Start(devCfg); e != nil {
		return fmt.Errorf("start port %d: %w", port.id, e)
	}

	port.rxq = port.dev.RxQueues()[0]
	port.txq = port.dev.TxQueues()[0]
	port.arp = newARPTable(ARPTableCapacity)
	port.rxTable = map[rxKey]*rxEntry{}
	port.worker = w
	w.ports = append(w.ports, port)
	return nil
}

// rollbackStart undoes a partial Start.
func (ctx *Context) rollbackStart() {
	for _, w := range ctx.workers {
		if w.IsRunning() {
			if e := multierr.Append(w.terminate(), w.Stop()); e != nil {
				w.logger.Warn("worker stop error", zap.Error(e))
			}
		}
		for _, port := range w.ports {
			if port.dev.Started() {
				if e := port.dev.Stop(ethdev.StopReset); e != nil {
					port.logger.Warn("port stop error", zap.Error(e))
				}
			}
			port.worker, port.rxq, port.txq = nil, nil, nil
			port.arp, port.rxTable, port.txqs = nil, nil, nil
		}
		w.ports = nil
	}
	ctx.closePools()
	ctx.workers = map[int]*Worker{}
	ctx.pools = map[int]*poolPair{}
}

func (ctx *Context) closePools() (e error) {
	for _, pp := range ctx.pools {
		e = multierr.Append(e, multierr.Combine(pp.rx.Close(), pp.tx.Close()))
	}
	return e
}

// Destroy stops workers and releases the Context.
// A worker that has open sockets does not stop until they are closed.
// If any worker fails to stop, Destroy returns an error and the Context stays current;
// Destroy may be retried after closing the sockets.
func (ctx *Context) Destroy() (e error) {
	ctx.mutex.Lock()
	defer ctx.mutex.Unlock()
	for lcID, w := range ctx.workers {
		if len(w.ports) == 0 {
			continue
		}
		if e1 := w.terminate(); e1 != nil {
			e = multierr.Append(e, fmt.Errorf("terminate worker %d: %w", lcID, e1))
			continue
		}
		if e1 := w.Stop(); e1 != nil {
			e = multierr.Append(e, fmt.Errorf("stop worker %d: %w", lcID, e1))
		}
	}
	if e != nil {
		logger.Error("context destroy incomplete", zap.Error(e))
		return e
	}

	e = ctx.closePools()
	ctx.started = false
	current.CompareAndSwap(ctx, nil)
	logger.Info("context destroyed", zap.Error(e))
	return e
}

// PortCount returns number of ports.
func (ctx *Context) PortCount() int {
	return len(ctx.ports)
}

// Ports returns all ports.
func (ctx *Context) Ports() []*Port {
	return ctx.ports
}

// Port returns a port by index, or nil.
func (ctx *Context) Port(id int) *Port {
	for _, port := range ctx.ports {
		if port.id == id {
			return port
		}
	}
	return nil
}

// Workers returns workers in lcore ID order.
func (ctx *Context) Workers() (list []*Worker) {
	for _, lc := range eal.Workers {
		if w := ctx.workers[lc.ID()]; w != nil {
			list = append(list, w)
		}
	}
	return list
}

// LinkStatus determines whether the link of a port is up.
func (ctx *Context) LinkStatus(portID int) (bool, error) {
	port := ctx.Port(portID)
	if port == nil {
		return false, ErrNoPort
	}
	return port.LinkUp(), nil
}

// MacAddr returns the MAC address of a port.
func (ctx *Context) MacAddr(portID int) (net.HardwareAddr, error) {
	port := ctx.Port(portID)
	if port == nil {
		return nil, ErrNoPort
	}
	return port.MacAddr(), nil
}

// IPv4 returns the IPv4 address and subnet of a port.
func (ctx *Context) IPv4(portID int) (netip.Prefix, error) {
	port := ctx.Port(portID)
	if port == nil {
		return netip.Prefix{}, ErrNoPort
	}
	return port.IPv4(), nil
}

// SetIPv4 assigns the IPv4 address and subnet of a port.
func (ctx *Context) SetIPv4(portID int, prefix netip.Prefix) error {
	port := ctx.Port(portID)
	if port == nil {
		return ErrNoPort
	}
	return port.SetIPv4(prefix)
}

// Route returns the first port whose subnet contains addr, or nil.
func (ctx *Context) Route(addr netip.Addr) *Port {
	for _, port := range ctx.ports {
		if prefix := port.IPv4(); prefix.IsValid() && prefix.Masked().Contains(addr) {
			return port
		}
	}
	return nil
}

// FindPortByMAC returns the port with a MAC address, or nil.
func (ctx *Context) FindPortByMAC(mac net.HardwareAddr) *Port {
	for _, port := range ctx.ports {
		if macaddr.Equal(port.mac, mac) {
			return port
		}
	}
	return nil
}

// Open opens a socket on a port.
// The port must be started and have an IPv4 address; this is checked before contacting the worker.
func (ctx *Context) Open(portID int, typ SocketType, args UDPArgs) (*Socket, error) {
	port := ctx.Port(portID)
	if port == nil {
		return nil, ErrNoPort
	}
	if ip := port.IPv4().Addr(); !ip.IsValid() || ip.IsUnspecified() {
		return nil, ErrNoIPv4
	}
	if typ != SocketUDP {
		return nil, ErrSocketType
	}
	if port.worker == nil {
		return nil, ErrNotStarted
	}
	if args.Tx && (!args.RemoteIP.Is4() || args.RemoteIP.IsUnspecified()) {
		return nil, ErrInvalid
	}

	sock := &Socket{
		ctx:         ctx,
		typ:         typ,
		tx:          args.Tx,
		port:        port,
		localPort:   args.LocalPort,
		remotePort:  args.RemotePort,
		remoteIP:    args.RemoteIP,
		filterBcast: args.FilterBroadcast,
		numBufs:     args.NumBufs,
		queueKey:    args.QueueKey,
		timeout:     args.Timeout.DurationOr(ctx.cfg.OpenTimeout),
	}
	if sock.tx && sock.queueKey == 0 {
		sock.queueKey = unix.Gettid()
	}

	if e := port.worker.submitRequest(reqOpen, sock, sock.timeout); e != nil {
		port.logger.Debug("socket open failed", zap.Stringer("socket", sock), zap.Error(e))
		return nil, e
	}

	ctx.sockMutex.Lock()
	defer ctx.sockMutex.Unlock()
	ctx.lastSockID++
	sock.id = ctx.lastSockID
	ctx.sockets[sock.id] = sock
	return sock, nil
}

func (ctx *Context) untrackSocket(sock *Socket) {
	ctx.sockMutex.Lock()
	defer ctx.sockMutex.Unlock()
	delete(ctx.sockets, sock.id)
}

// Sockets returns open sockets in the order they were opened.
func (ctx *Context) Sockets() (list []*Socket) {
	ctx.sockMutex.Lock()
	defer ctx.sockMutex.Unlock()
	for _, sock := range ctx.sockets {
		list = append(list, sock)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

// FindSocket returns an open socket by ID, or nil.
func (ctx *Context) FindSocket(id uint64) *Socket {
	ctx.sockMutex.Lock()
	defer ctx.sockMutex.Unlock()
	return ctx.sockets[id]
}
