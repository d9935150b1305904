package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"

	"github.com/slackhq/zhpeq"
	"github.com/slackhq/zhpeq/util"
)

var errUsage = errors.New("usage")

type args struct {
	params   zhpeq.BackendParams
	service  string
	node     string
	entryLen uint64
	entries  uint64
	ops      uint64
	txAvail  uint64

	aligned  bool
	copyMode bool
	once     bool
	seconds  bool
	unidir   bool

	configPath string
	devPath    string
	version    bool
}

const usageText = `Usage: %s [-acosu] [-d <domain>] [-p <provider>] [-t <txqlen>]
    <port> [<node> <entry_len> <ring_entries> <op_count/seconds>]
All sizes may be postfixed with [kmgtKMGT] to specify the base units.
Lower case is base 10; upper case is base 2.
Server requires just port; client requires all 5 arguments.
Client only options:
 -a : cache line align entries
 -c : copy mode
 -d <domain> : domain/device to bind to
 -o : run once and then server will exit
 -p <provider> : provider to use
 -s : treat the final argument as seconds
 -t <txqlen> : length of tx request queue
 -u : uni-directional client-to-server traffic (no copy)
Common options:
 -config <path> : configuration file or directory
 -dev <path> : control device, or "emulated", when -config is not set
`

// parseArgs parses the command line. Errors wrap errUsage.
func parseArgs(name string, argv []string, out io.Writer) (*args, error) {
	a := &args{params: zhpeq.BackendParams{Backend: zhpeq.BackendLibfabric}}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() { fmt.Fprintf(out, usageText, name) }

	fs.BoolVar(&a.aligned, "a", false, "")
	fs.BoolVar(&a.copyMode, "c", false, "")
	fs.StringVar(&a.params.DomainName, "d", "", "")
	fs.BoolVar(&a.once, "o", false, "")
	fs.StringVar(&a.params.ProviderName, "p", "", "")
	fs.BoolVar(&a.seconds, "s", false, "")
	txqlen := fs.String("t", "", "")
	fs.BoolVar(&a.unidir, "u", false, "")
	fs.StringVar(&a.configPath, "config", "", "")
	fs.StringVar(&a.devPath, "dev", "", "")
	fs.BoolVar(&a.version, "version", false, "")

	if err := fs.Parse(argv); err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	if a.version {
		return a, nil
	}

	clientOpt := false
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "dev":
		default:
			clientOpt = true
		}
	})

	if *txqlen != "" {
		v, err := util.ParseSize("tx_avail", *txqlen, 1, math.MaxUint32, util.ParseAnyUnit)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errUsage, err)
		}
		a.txAvail = v
	}
	if a.copyMode && a.unidir {
		return nil, fmt.Errorf("%w: -c and -u can not be combined", errUsage)
	}

	rest := fs.Args()
	switch len(rest) {
	case 1:
		if clientOpt {
			return nil, fmt.Errorf("%w: options are only valid for the client", errUsage)
		}
		a.service = rest[0]

	case 5:
		a.service, a.node = rest[0], rest[1]
		var err error
		if a.entryLen, err = util.ParseSize("entry_len", rest[2], 1, math.MaxInt32, util.ParseAnyUnit); err != nil {
			return nil, fmt.Errorf("%w: %w", errUsage, err)
		}
		if a.entries, err = util.ParseSize("ring_entries", rest[3], 1, math.MaxInt32, util.ParseAnyUnit); err != nil {
			return nil, fmt.Errorf("%w: %w", errUsage, err)
		}
		opsName, opsMax := "op_counts", uint64(math.MaxInt64)
		if a.seconds {
			opsName, opsMax = "seconds", 1000000
		}
		if a.ops, err = util.ParseSize(opsName, rest[4], 1, opsMax, util.ParseAnyUnit); err != nil {
			return nil, fmt.Errorf("%w: %w", errUsage, err)
		}

	default:
		return nil, fmt.Errorf("%w: expected 1 or 5 arguments, got %d", errUsage, len(rest))
	}

	return a, nil
}

func isUsage(err error) bool {
	return errors.Is(err, errUsage)
}

func (a *args) client() bool {
	return a.node != ""
}
