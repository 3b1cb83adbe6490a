// Command udpdk-ctrl controls a running udpdk service.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/netip"
	"os"
	"reflect"
	"sort"

	"github.com/sdrnet/udpdk/mgmt"
	"github.com/sdrnet/udpdk/mgmt/portmgmt"
	"github.com/sdrnet/udpdk/mgmt/socketmgmt"
	"github.com/sdrnet/udpdk/mk/version"
	"github.com/urfave/cli/v2"
)

var (
	mgmtAddr string
	client   *mgmt.Client
)

// callPrint invokes a management method and prints the result as JSON.
// A slice result is printed one element per line.
func callPrint(method string, args any) error {
	var value any
	if e := client.Call(method, args, &value); e != nil {
		return e
	}

	if val := reflect.ValueOf(value); val.Kind() == reflect.Slice {
		for i, last := 0, val.Len(); i < last; i++ {
			j, _ := json.Marshal(val.Index(i).Interface())
			fmt.Println(string(j))
		}
	} else {
		j, _ := json.Marshal(value)
		fmt.Println(string(j))
	}
	return nil
}

var app = &cli.App{
	Version: version.Get().String(),
	Usage:   "Control udpdk service.",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "mgmt",
			Usage:       "management `address` of udpdk service",
			EnvVars:     []string{mgmt.EnvMgmt},
			Value:       mgmt.DefaultListen,
			Destination: &mgmtAddr,
		},
	},
	Before: func(c *cli.Context) (e error) {
		client, e = mgmt.Dial(mgmtAddr)
		return e
	},
	After: func(c *cli.Context) error {
		if client == nil {
			return nil
		}
		return client.Close()
	},
}

func defineCommand(command *cli.Command) {
	app.Commands = append(app.Commands, command)
}

func defineListCommand(category, name, usage, method string) {
	defineCommand(&cli.Command{
		Category: category,
		Name:     name,
		Usage:    usage,
		Action: func(c *cli.Context) error {
			return callPrint(method, struct{}{})
		},
	})
}

func main() {
	sort.Sort(cli.CommandsByName(app.Commands))
	if e := app.Run(os.Args); e != nil {
		log.Fatal(e)
	}
}

func init() {
	defineCommand(&cli.Command{
		Name:  "show-version",
		Usage: "Show service version",
		Action: func(c *cli.Context) error {
			return callPrint("Version.Version", struct{}{})
		},
	})
}

func init() {
	defineListCommand("port", "list-ports", "List ports", "Port.List")
	defineListCommand("port", "list-workers", "List workers", "Worker.List")

	var id int
	defineCommand(&cli.Command{
		Category: "port",
		Name:     "show-port",
		Usage:    "Show port information and counters",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "id", Usage: "port `index`", Required: true, Destination: &id},
		},
		Action: func(c *cli.Context) error {
			return callPrint("Port.Get", portmgmt.IDArg{ID: id})
		},
	})

	var ipv4 string
	defineCommand(&cli.Command{
		Category: "port",
		Name:     "set-ipv4",
		Usage:    "Change port IPv4 address and subnet",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "id", Usage: "port `index`", Required: true, Destination: &id},
			&cli.StringFlag{Name: "ipv4", Usage: "IPv4 `address/prefix`", Required: true, Destination: &ipv4},
		},
		Action: func(c *cli.Context) error {
			prefix, e := netip.ParsePrefix(ipv4)
			if e != nil {
				return e
			}
			return callPrint("Port.SetIPv4", portmgmt.SetIPv4Arg{ID: id, IPv4: prefix})
		},
	})
}

func init() {
	defineListCommand("socket", "list-sockets", "List open sockets", "Socket.List")

	var id uint64
	defineCommand(&cli.Command{
		Category: "socket",
		Name:     "show-socket",
		Usage:    "Show socket information and counters",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "id", Usage: "socket `ID`", Required: true, Destination: &id},
		},
		Action: func(c *cli.Context) error {
			return callPrint("Socket.Get", socketmgmt.IDArg{ID: id})
		},
	})
	defineCommand(&cli.Command{
		Category: "socket",
		Name:     "close-socket",
		Usage:    "Close a socket",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "id", Usage: "socket `ID`", Required: true, Destination: &id},
		},
		Action: func(c *cli.Context) error {
			return callPrint("Socket.Close", socketmgmt.IDArg{ID: id})
		},
	})
}
