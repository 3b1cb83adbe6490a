package main

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rickb777/plural"
	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
	"github.com/sdrnet/udpdk/xport"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

var (
	pluralPackets = plural.FromZero("no packets", "%d packet", "%d packets")
	pluralDrops   = plural.FromZero("no drops", "%d drop", "%d drops")
)

// demoResult summarizes a send or recv run.
type demoResult struct {
	Packets uint64
	Bytes   uint64
	Drops   uint64
	Elapsed time.Duration
}

func (r demoResult) String() string {
	pps := float64(r.Packets) / r.Elapsed.Seconds()
	return fmt.Sprintf("%s, %s, %s in %s, %s pps, %s/s",
		pluralPackets.FormatInt(int(r.Packets)),
		humanize.Bytes(r.Bytes),
		pluralDrops.FormatInt(int(r.Drops)),
		r.Elapsed.Truncate(time.Millisecond),
		humanize.Comma(int64(pps)),
		humanize.Bytes(uint64(float64(r.Bytes)/r.Elapsed.Seconds())),
	)
}

// interrupted returns a channel that is closed upon SIGINT or when d elapses.
func interrupted(d time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, unix.SIGINT)
		defer signal.Stop(sigc)
		var timer <-chan time.Time
		if d > 0 {
			timer = time.After(d)
		}
		select {
		case <-sigc:
		case <-timer:
		}
		close(done)
	}()
	return done
}

func isDone(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func init() {
	var (
		portID   int
		dst      string
		count    int
		size     int
		burst    int
		interval time.Duration
	)
	defineCommand(&cli.Command{
		Name:  "send",
		Usage: "Send numbered UDP datagrams.",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Usage: "port `index`", Destination: &portID},
			&cli.StringFlag{Name: "dst", Usage: "destination `IP:port`", Required: true, Destination: &dst},
			&cli.IntFlag{Name: "count", Usage: "number of datagrams, 0 for unlimited", Value: 1000, Destination: &count},
			&cli.IntFlag{Name: "size", Usage: "payload `length`", Value: 1000, Destination: &size},
			&cli.IntFlag{Name: "burst", Usage: "datagrams per burst", Value: 16, Destination: &burst},
			&cli.DurationFlag{Name: "interval", Usage: "delay between bursts", Destination: &interval},
		},
		Action: func(c *cli.Context) (e error) {
			remote, e := netip.ParseAddrPort(dst)
			if e != nil {
				return cli.Exit(e, 1)
			}
			if size < 8 || burst <= 0 {
				return cli.Exit("size must be at least 8 and burst must be positive", 1)
			}

			tr, e := openTransport(config)
			if e != nil {
				return cli.Exit(e, 1)
			}
			defer tr.Close()

			sock, e := tr.Ctx.Open(portID, xport.SocketUDP, xport.UDPArgs{
				Tx:         true,
				RemoteIP:   remote.Addr(),
				RemotePort: remote.Port(),
				NumBufs:    4 * burst,
			})
			if e != nil {
				return cli.Exit(e, 1)
			}

			var res demoResult
			done := interrupted(0)
			vec := make(pktmbuf.Vector, burst)
			t0 := time.Now()
			for seq := uint64(0); (count == 0 || int(seq) < count) && !isDone(done); {
				want := burst
				if count > 0 && count-int(seq) < want {
					want = count - int(seq)
				}
				n, e := sock.RequestTxBuffers(vec[:want], time.Second)
				if e != nil {
					return cli.Exit(e, 1)
				}
				for _, pkt := range vec[:n] {
					payload := sock.Payload(pkt)
					if len(payload) < size {
						return cli.Exit("size exceeds buffer room", 1)
					}
					binary.BigEndian.PutUint64(payload, seq)
					seq++
					if e := sock.SetPayloadLen(pkt, size); e != nil {
						return cli.Exit(e, 1)
					}
				}
				sent, e := sock.Send(vec[:n])
				if e != nil {
					return cli.Exit(e, 1)
				}
				sock.Free(vec[sent:n])
				res.Packets += uint64(sent)
				res.Bytes += uint64(sent * size)
				res.Drops += uint64(n - sent)
				if interval > 0 {
					time.Sleep(interval)
				}
			}
			res.Elapsed = time.Since(t0)
			fmt.Println(res)
			return nil
		},
	})
}

func init() {
	var (
		portID    int
		localPort int
		duration  time.Duration
		numBufs   int
		verbose   bool
	)
	defineCommand(&cli.Command{
		Name:  "recv",
		Usage: "Receive UDP datagrams and count them.",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Usage: "port `index`", Destination: &portID},
			&cli.IntFlag{Name: "local-port", Usage: "local UDP port, 0 for automatic", Destination: &localPort},
			&cli.DurationFlag{Name: "duration", Usage: "stop after this duration, 0 for until interrupted", Destination: &duration},
			&cli.IntFlag{Name: "bufs", Usage: "receive ring capacity", Value: 1024, Destination: &numBufs},
			&cli.BoolFlag{Name: "v", Usage: "print each datagram", Destination: &verbose},
		},
		Action: func(c *cli.Context) (e error) {
			if localPort < 0 || localPort > 65535 {
				return cli.Exit("local-port out of range", 1)
			}

			tr, e := openTransport(config)
			if e != nil {
				return cli.Exit(e, 1)
			}
			defer tr.Close()

			sock, e := tr.Ctx.Open(portID, xport.SocketUDP, xport.UDPArgs{
				LocalPort: uint16(localPort),
				NumBufs:   numBufs,
			})
			if e != nil {
				return cli.Exit(e, 1)
			}
			fmt.Fprintln(os.Stderr, "listening on", sock.Info().LocalIP, sock.LocalPort())

			var res demoResult
			done := interrupted(duration)
			vec := make(pktmbuf.Vector, xport.RxBurstSize)
			t0 := time.Now()
			for !isDone(done) {
				n, e := sock.Recv(vec, 100*time.Millisecond)
				if e != nil {
					return cli.Exit(e, 1)
				}
				for _, pkt := range vec[:n] {
					plen := sock.PayloadLen(pkt)
					res.Packets++
					res.Bytes += uint64(plen)
					if verbose {
						fmt.Printf("%s:%d %d\n", sock.SrcIPv4(pkt), sock.SrcPort(pkt), plen)
					}
				}
				e = multierr.Append(e, sock.Free(vec[:n]))
				if e != nil {
					return cli.Exit(e, 1)
				}
			}
			res.Elapsed = time.Since(t0)
			res.Drops = sock.DropCount()
			fmt.Println(res)
			return nil
		},
	})
}
