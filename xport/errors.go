package xport

import (
	"errors"

	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/sdrnet/udpdk/xport/waitreq"
	"golang.org/x/sys/unix"
)

// Configuration errors.
var (
	ErrAlreadyInitialized = errors.New("context already initialized")
	ErrNotInitialized     = errors.New("context not initialized")
	ErrNotStarted         = errors.New("context not started")
	ErrAlreadyStarted     = errors.New("context already started")
	ErrNoPort             = errors.New("no such port")
	ErrNoIPv4             = errors.New("port has no IPv4 address")
	ErrSocketType         = errors.New("unsupported socket type")
	ErrDirection          = errors.New("operation not supported in socket direction")
	ErrClosed             = errors.New("socket closed")
	ErrBadWorker          = errors.New("lcore is not a worker")
)

// Errno-style errors.
// These match unix errno values with errors.Is.
var (
	ErrTimeout   = waitreq.ErrTimeout
	ErrNoSpace   = eal.Errno(unix.ENOSPC)
	ErrAddrInUse = eal.Errno(unix.EADDRINUSE)
	ErrShutdown  = eal.Errno(unix.ENODEV)
	ErrInvalid   = eal.Errno(unix.EINVAL)
	ErrNoMem     = eal.Errno(unix.ENOMEM)
)
