package ealinit

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/sdrnet/udpdk/core/hwinfo"
	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/soh335/sliceflag"
)

type parsedArgs struct {
	l         string
	c         string
	lcores    string
	mainLCore int
	vdevs     []string
}

func parseArgs(args []string) (p parsedArgs, e error) {
	fset := flag.NewFlagSet("eal", flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	fset.StringVar(&p.l, "l", "", "lcore list")
	fset.StringVar(&p.c, "c", "", "lcore hexadecimal mask")
	fset.StringVar(&p.lcores, "lcores", "", "lcore to CPU mapping")
	fset.IntVar(&p.mainLCore, "main-lcore", -1, "main lcore ID")
	sliceflag.StringVar(fset, &p.vdevs, "vdev", nil, "virtual device")

	// accepted for compatibility with DPDK command lines, no effect
	fset.String("n", "", "memory channels")
	fset.String("file-prefix", "", "shared data file prefix")
	fset.String("huge-dir", "", "hugepage directory")
	fset.String("log-level", "", "log level")
	fset.Bool("in-memory", false, "no shared data files")
	fset.Bool("no-pci", false, "disable PCI bus")

	if e = fset.Parse(args); e != nil {
		return p, e
	}
	if fset.NArg() > 0 {
		return p, fmt.Errorf("unexpected positional arguments %v", fset.Args())
	}

	n := 0
	for _, s := range []string{p.l, p.c, p.lcores} {
		if s != "" {
			n++
		}
	}
	if n > 1 {
		return p, errors.New("-l -c --lcores are mutually exclusive")
	}
	return p, nil
}

// parseCPUList parses a list such as "0-3,5,7-8".
func parseCPUList(s string) (list []int, e error) {
	for _, token := range strings.Split(s, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			return nil, fmt.Errorf("empty element in %q", s)
		}
		first, last, isRange := strings.Cut(token, "-")
		lo, e := strconv.Atoi(first)
		if e != nil || lo < 0 {
			return nil, fmt.Errorf("bad number %q", first)
		}
		hi := lo
		if isRange {
			if hi, e = strconv.Atoi(last); e != nil || hi < lo {
				return nil, fmt.Errorf("bad range %q", token)
			}
		}
		for i := lo; i <= hi; i++ {
			list = append(list, i)
		}
	}
	return list, nil
}

// parseCPUGroup parses either a number or a parenthesized CPU list.
func parseCPUGroup(s string) ([]int, error) {
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = s[1 : len(s)-1]
	}
	return parseCPUList(s)
}

// splitTopLevel splits s by commas that are not enclosed in parentheses.
func splitTopLevel(s string) (tokens []string, e error) {
	depth, start := 0, 0
	for i, ch := range s {
		switch ch {
		case '(':
			depth++
		case ')':
			if depth--; depth < 0 {
				return nil, fmt.Errorf("unbalanced parentheses in %q", s)
			}
		case ',':
			if depth == 0 {
				tokens = append(tokens, s[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced parentheses in %q", s)
	}
	return append(tokens, s[start:]), nil
}

func (p parsedArgs) lcoreList(hwInfo hwinfo.Provider) (list []eal.LCoreConfig, e error) {
	cores := hwInfo.Cores().ByID()
	socketOf := func(cpus []int) int {
		if len(cpus) == 0 {
			return 0
		}
		return cores[cpus[0]].NumaSocket
	}
	add := func(id int, cpus []int) {
		list = append(list, eal.LCoreConfig{ID: id, CPUs: cpus, Socket: socketOf(cpus)})
	}

	switch {
	case p.lcores != "":
		items, e := splitTopLevel(p.lcores)
		if e != nil {
			return nil, e
		}
		for _, item := range items {
			idPart, cpuPart, pinned := strings.Cut(item, "@")
			ids, e := parseCPUGroup(idPart)
			if e != nil {
				return nil, fmt.Errorf("--lcores %q: %w", item, e)
			}
			var cpus []int
			if pinned {
				if cpus, e = parseCPUGroup(cpuPart); e != nil {
					return nil, fmt.Errorf("--lcores %q: %w", item, e)
				}
			}
			for _, id := range ids {
				if pinned {
					add(id, cpus)
				} else {
					add(id, []int{id})
				}
			}
		}
	case p.c != "":
		mask, ok := new(big.Int).SetString(strings.TrimPrefix(strings.ToLower(p.c), "0x"), 16)
		if !ok {
			return nil, fmt.Errorf("-c %q: bad hexadecimal mask", p.c)
		}
		for id := 0; id < mask.BitLen(); id++ {
			if mask.Bit(id) != 0 {
				add(id, []int{id})
			}
		}
	default:
		l := p.l
		if l == "" {
			ids := hwInfo.Cores().IDs()
			if len(ids) == 0 {
				return nil, errors.New("no processor available")
			}
			for _, id := range ids {
				add(id, []int{id})
			}
			break
		}
		ids, e := parseCPUList(l)
		if e != nil {
			return nil, fmt.Errorf("-l %q: %w", l, e)
		}
		for _, id := range ids {
			add(id, []int{id})
		}
	}

	if len(list) == 0 {
		return nil, errors.New("no lcore specified")
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	for i := 1; i < len(list); i++ {
		if list[i].ID == list[i-1].ID {
			return nil, fmt.Errorf("lcore %d specified more than once", list[i].ID)
		}
	}
	return list, nil
}
