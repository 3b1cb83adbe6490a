package main

import (
	_ "embed"
	"fmt"
	"net/netip"
	"strings"

	"github.com/sdrnet/udpdk/core/jsonhelper"
	"github.com/sdrnet/udpdk/dpdk/ealconfig"
	"github.com/sdrnet/udpdk/xport"
	"github.com/sdrnet/udpdk/xport/pdump"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

//go:embed config.schema.json
var configSchema []byte

// PortConfig configures a port.
type PortConfig struct {
	Name   string       `json:"name"`
	IPv4   netip.Prefix `json:"ipv4"`
	Worker int          `json:"worker"`
}

// Config is the configuration document.
type Config struct {
	Eal   ealconfig.Config    `json:"eal"`
	Ports []PortConfig        `json:"ports"`
	Start xport.StartConfig   `json:"start"`
	Pdump *pdump.WriterConfig `json:"pdump,omitempty"`
	Mgmt  string              `json:"mgmt,omitempty"`
}

type schemaError struct {
	*gojsonschema.Result
}

func (e schemaError) Error() string {
	var b strings.Builder
	fmt.Fprintln(&b, "configuration failed schema validation:")
	for _, desc := range e.Result.Errors() {
		fmt.Fprintln(&b, "-", desc)
	}
	return b.String()
}

// parseConfig validates a decoded YAML document and converts it to Config.
func parseConfig(doc map[string]any) (cfg Config, e error) {
	result, e := gojsonschema.Validate(gojsonschema.NewBytesLoader(configSchema), gojsonschema.NewGoLoader(doc))
	if e != nil {
		return cfg, fmt.Errorf("schema validator error: %w", e)
	}
	if !result.Valid() {
		return cfg, schemaError{result}
	}

	e = jsonhelper.Roundtrip(doc, &cfg, jsonhelper.DisallowUnknownFields)
	return cfg, e
}

// Transport is a started Context with an optional frame capture.
type Transport struct {
	Ctx    *xport.Context
	Writer *pdump.Writer
}

// Close closes all sockets and releases the Context.
func (tr *Transport) Close() (e error) {
	for _, sock := range tr.Ctx.Sockets() {
		e = multierr.Append(e, sock.Close())
	}
	e = multierr.Append(e, tr.Ctx.Destroy())
	if tr.Writer != nil {
		e = multierr.Append(e, tr.Writer.Close())
	}
	return e
}

// openTransport initializes and starts a Context.
func openTransport(cfg Config) (tr *Transport, e error) {
	initCfg := xport.InitConfig{Eal: cfg.Eal}
	for _, p := range cfg.Ports {
		initCfg.Ports = append(initCfg.Ports, p.Name)
	}

	tr = &Transport{}
	if tr.Ctx, e = xport.Init(initCfg); e != nil {
		return nil, e
	}
	defer func() {
		if e != nil {
			tr.Close()
		}
	}()

	startCfg := cfg.Start
	startCfg.PortWorkers = nil
	for _, p := range cfg.Ports {
		startCfg.PortWorkers = append(startCfg.PortWorkers, p.Worker)
	}
	if cfg.Pdump != nil {
		wCfg := *cfg.Pdump
		wCfg.Ports = initCfg.Ports
		if tr.Writer, e = pdump.NewWriter(wCfg); e != nil {
			return nil, e
		}
		startCfg.Tap = tr.Writer
	}
	if e = tr.Ctx.Start(startCfg); e != nil {
		return nil, e
	}

	for i, p := range cfg.Ports {
		if e = tr.Ctx.SetIPv4(i, p.IPv4); e != nil {
			return nil, e
		}
		up, _ := tr.Ctx.LinkStatus(i)
		logger.Info("port ready", zap.Int("port", i), zap.String("name", p.Name), zap.Stringer("ipv4", p.IPv4), zap.Bool("up", up))
	}
	return tr, nil
}
