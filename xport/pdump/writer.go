// Package pdump captures frames seen by transport workers into a pcapng file.
package pdump

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/math"
	"github.com/sdrnet/udpdk/core/logging"
	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/sdrnet/udpdk/dpdk/ealthread"
	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
	"github.com/sdrnet/udpdk/dpdk/ringbuffer"
	"github.com/sdrnet/udpdk/xport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var logger = logging.New("pdump")

// Limits and defaults.
const (
	WriterBurstSize = 64

	MinFileSize     = 1 << 16
	DefaultFileSize = 1 << 24

	MinSnapLen     = 64
	DefaultSnapLen = 2048
)

// WriterConfig contains writer configuration.
type WriterConfig struct {
	// Filename is the output pcapng file.
	Filename string `json:"filename"`

	// MaxSize is the file size limit in octets.
	// Frames arriving after the limit is reached are counted as skipped.
	MaxSize int `json:"maxSize,omitempty"`

	// RingCapacity is the capacity of the queue between workers and the writer.
	RingCapacity int `json:"ringCapacity,omitempty"`

	// SnapLen is the maximum number of octets captured per frame.
	SnapLen int `json:"snapLen,omitempty"`

	// Ports lists port names, indexed by port ID.
	// Each port contributes two pcapng interfaces, one per direction.
	Ports []string `json:"-"`
}

func (cfg *WriterConfig) applyDefaults() {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = DefaultFileSize
	}
	if cfg.SnapLen == 0 {
		cfg.SnapLen = DefaultSnapLen
	}
	cfg.RingCapacity = ringbuffer.AlignCapacity(cfg.RingCapacity, 64, 4096, 65536)
}

func (cfg WriterConfig) validate() error {
	errs := []error{}
	if cfg.Filename == "" {
		errs = append(errs, errors.New("filename is missing"))
	}
	if cfg.MaxSize < MinFileSize {
		errs = append(errs, fmt.Errorf("file size is less than %d", MinFileSize))
	}
	if cfg.SnapLen < MinSnapLen {
		errs = append(errs, fmt.Errorf("snaplen is less than %d", MinSnapLen))
	}
	if len(cfg.Ports) == 0 {
		errs = append(errs, errors.New("no ports"))
	}
	return multierr.Combine(errs...)
}

// Counters contains writer counters.
type Counters struct {
	// Written is the number of frames written to the file.
	Written uint64 `json:"written"`
	// DropFull is the number of frames dropped because the queue was full.
	DropFull uint64 `json:"dropFull"`
	// Skipped is the number of frames not written because the file size limit was reached,
	// or because the port is unknown.
	Skipped uint64 `json:"skipped"`
}

type record struct {
	intf    int
	ts      time.Time
	wireLen int
	data    []byte
}

// Writer writes frames to a pcapng file.
// It implements xport.FrameTap.
type Writer struct {
	cfg   WriterConfig
	file  *os.File
	size  countingWriter
	ng    *pcapgo.NgWriter
	queue *ringbuffer.Ring[record]
	stop  ealthread.StopChan
	done  chan struct{}

	written, dropFull, skipped atomic.Uint64
}

var _ xport.FrameTap = (*Writer)(nil)

// NewWriter creates the output file and starts the writer goroutine.
func NewWriter(cfg WriterConfig) (w *Writer, e error) {
	cfg.applyDefaults()
	if e := cfg.validate(); e != nil {
		return nil, e
	}

	w = &Writer{
		cfg:  cfg,
		stop: ealthread.NewStopChan(),
		done: make(chan struct{}),
	}
	if w.queue, e = ringbuffer.New[record](cfg.RingCapacity, eal.NumaSocket{}, ringbuffer.ProducerMulti, ringbuffer.ConsumerSingle); e != nil {
		return nil, e
	}
	if w.file, e = os.Create(cfg.Filename); e != nil {
		return nil, e
	}
	w.size.w = w.file

	opts := pcapgo.DefaultNgWriterOptions
	opts.SectionInfo.Application = "udpdk"
	for i := range cfg.Ports {
		for _, dir := range []xport.TapDir{xport.TapRx, xport.TapTx} {
			intf := w.makeInterface(i, dir)
			if w.ng == nil {
				w.ng, e = pcapgo.NewNgWriterInterface(&w.size, intf, opts)
			} else {
				_, e = w.ng.AddInterface(intf)
			}
			if e != nil {
				w.file.Close()
				return nil, e
			}
		}
	}
	if e = w.ng.Flush(); e != nil {
		w.file.Close()
		return nil, e
	}

	go w.run()
	logger.Info("writer open", zap.String("filename", cfg.Filename), zap.Int("ports", len(cfg.Ports)))
	return w, nil
}

func (w *Writer) makeInterface(port int, dir xport.TapDir) pcapgo.NgInterface {
	intf := pcapgo.DefaultNgInterface
	intf.Name = fmt.Sprintf("%s-%s", w.cfg.Ports[port], dir)
	intf.Description = fmt.Sprintf("port %d %s", port, dir)
	intf.LinkType = layers.LinkTypeEthernet
	intf.SnapLength = uint32(w.cfg.SnapLen)
	return intf
}

// TapFrames implements xport.FrameTap.
func (w *Writer) TapFrames(port int, dir xport.TapDir, vec pktmbuf.Vector) {
	if port < 0 || port >= len(w.cfg.Ports) {
		w.skipped.Add(uint64(len(vec)))
		return
	}
	now := time.Now()
	recs := make([]record, len(vec))
	for i, pkt := range vec {
		b := pkt.Bytes()
		recs[i] = record{
			intf:    2*port + int(dir),
			ts:      now,
			wireLen: len(b),
			data:    append([]byte(nil), b[:math.MinInt(len(b), w.cfg.SnapLen)]...),
		}
	}
	n := w.queue.Enqueue(recs)
	w.dropFull.Add(uint64(len(recs) - n))
}

func (w *Writer) run() {
	defer close(w.done)
	recs := make([]record, WriterBurstSize)
	for running := true; ; {
		n := w.queue.Dequeue(recs)
		for _, rec := range recs[:n] {
			w.write(rec)
		}
		switch {
		case n > 0:
		case !running:
			return
		default:
			running = w.stop.Continue()
			time.Sleep(time.Millisecond)
		}
	}
}

func (w *Writer) write(rec record) {
	if w.size.n >= int64(w.cfg.MaxSize) {
		w.skipped.Add(1)
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:      rec.ts,
		CaptureLength:  len(rec.data),
		Length:         rec.wireLen,
		InterfaceIndex: rec.intf,
	}
	if e := w.ng.WritePacket(ci, rec.data); e != nil {
		logger.Warn("write error", zap.Error(e))
		w.skipped.Add(1)
		return
	}
	w.written.Add(1)
}

// Counters returns writer counters.
func (w *Writer) Counters() Counters {
	return Counters{
		Written:  w.written.Load(),
		DropFull: w.dropFull.Load(),
		Skipped:  w.skipped.Load(),
	}
}

// Close stops the writer and closes the file.
// Frames already queued are written before closing.
// The caller must ensure TapFrames is no longer invoked.
func (w *Writer) Close() error {
	w.stop.RequestStop()
	<-w.done
	e := multierr.Append(w.ng.Flush(), w.file.Close())
	logger.Info("writer closed", zap.String("filename", w.cfg.Filename), zap.Any("counters", w.Counters()))
	return e
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (n int, e error) {
	n, e = cw.w.Write(p)
	cw.n += int64(n)
	return n, e
}
