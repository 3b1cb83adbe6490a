// Package mgmt provides a JSON-RPC 2.0 management interface.
//
// Each service is a struct whose exported methods have the net/rpc signature.
// A service type named FooMgmt is registered as "Foo", so that its methods are called as "Foo.Method".
package mgmt

import (
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/url"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/powerman/rpc-codec/jsonrpc2"
	"github.com/sdrnet/udpdk/core/logging"
	"go.uber.org/zap"
)

var logger = logging.New("mgmt")

// EnvMgmt is an environment variable that overrides the listen address.
// "0" disables the management interface.
const EnvMgmt = "UDPDK_MGMT"

// DefaultListen is the default listen address.
const DefaultListen = "unix:///run/udpdk/mgmt.sock"

// ErrDisabled indicates the management interface is disabled by EnvMgmt.
var ErrDisabled = errors.New("management interface disabled")

// ParseAddress parses a listen or dial address.
// Supported schemes are unix, tcp, tcp4, tcp6.
func ParseAddress(uri string) (network, addr string, e error) {
	u, e := url.Parse(uri)
	if e != nil {
		return "", "", fmt.Errorf("address parse error: %w", e)
	}

	switch u.Scheme {
	case "unix":
		return u.Scheme, u.Path, nil
	case "tcp", "tcp4", "tcp6":
		return u.Scheme, u.Host, nil
	}
	return "", "", fmt.Errorf("unsupported scheme %s", u.Scheme)
}

// Server is a management server.
type Server struct {
	rpc      *rpc.Server
	mutex    sync.Mutex
	listener net.Listener
	conns    map[net.Conn]bool
	wg       sync.WaitGroup
}

// NewServer creates a Server.
func NewServer() *Server {
	return &Server{
		rpc:   rpc.NewServer(),
		conns: map[net.Conn]bool{},
	}
}

// Register registers a service.
func (s *Server) Register(mg any) error {
	typeName := reflect.Indirect(reflect.ValueOf(mg)).Type().Name()
	name := strings.TrimSuffix(typeName, "Mgmt")
	return s.rpc.RegisterName(name, mg)
}

// Listen starts accepting connections.
// If uri is empty, EnvMgmt or DefaultListen is used.
func (s *Server) Listen(uri string) (e error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener != nil {
		return errors.New("already listening")
	}

	if uri == "" {
		uri = os.Getenv(EnvMgmt)
	}
	switch uri {
	case "0":
		return ErrDisabled
	case "":
		uri = DefaultListen
	}

	network, addr, e := ParseAddress(uri)
	if e != nil {
		return e
	}
	if network == "unix" {
		os.Remove(addr)
	}

	if s.listener, e = net.Listen(network, addr); e != nil {
		return fmt.Errorf("cannot listen on %s %s: %w", network, addr, e)
	}
	logger.Info("listening", zap.Stringer("addr", s.listener.Addr()))

	s.wg.Add(1)
	go s.serve(s.listener)
	return nil
}

// Addr returns the listen address, or nil if not listening.
func (s *Server) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) serve(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, e := listener.Accept()
		if e != nil {
			if errors.Is(e, net.ErrClosed) {
				return
			}
			logger.Warn("accept error", zap.Error(e))
			continue
		}

		s.mutex.Lock()
		s.conns[conn] = true
		s.mutex.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.rpc.ServeCodec(jsonrpc2.NewServerCodec(conn, s.rpc))
			s.mutex.Lock()
			delete(s.conns, conn)
			s.mutex.Unlock()
		}()
	}
}

// Close stops accepting connections and closes existing connections.
func (s *Server) Close() (e error) {
	s.mutex.Lock()
	if s.listener != nil {
		e = s.listener.Close()
		s.listener = nil
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mutex.Unlock()

	s.wg.Wait()
	return e
}

// Client is a management client.
type Client struct {
	*jsonrpc2.Client
}

// Dial connects to a management server.
// If uri is empty, EnvMgmt or DefaultListen is used.
func Dial(uri string) (*Client, error) {
	if uri == "" {
		if uri = os.Getenv(EnvMgmt); uri == "" || uri == "0" {
			uri = DefaultListen
		}
	}
	network, addr, e := ParseAddress(uri)
	if e != nil {
		return nil, e
	}
	conn, e := net.Dial(network, addr)
	if e != nil {
		return nil, e
	}
	return &Client{jsonrpc2.NewClient(conn)}, nil
}
