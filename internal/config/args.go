package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ryandielhenn/ticsync/pkg/node"
)

const maxNodes = node.MaxNodes

// Switches take the classic form: a dash-prefixed name anywhere in the
// argument list, followed by its values up to the next switch.
//
//	-net <console> <host> [<host>...]   static node list, console is 1-based
//	-dup <1-9> -extratic -port <n> -bind <addr>
//	-host <players> | -join <host[:port]>
//	-etcd <endpoint,...> -session <name> -players <n> -player <k>
//	-seed <n> -compat -tics <n> -record <file> -playdemo <file>
//	-metrics <addr> -config <file> -loglevel <level>

// find returns the position of name in args, or -1.
func find(args []string, name string) int {
	for i, a := range args {
		if strings.EqualFold(a, name) {
			return i
		}
	}
	return -1
}

// values returns the arguments following name up to the next switch.
func values(args []string, name string) ([]string, bool) {
	i := find(args, name)
	if i < 0 {
		return nil, false
	}
	var out []string
	for _, a := range args[i+1:] {
		if strings.HasPrefix(a, "-") {
			break
		}
		out = append(out, a)
	}
	return out, true
}

// value returns the first argument after name. ok is false when the switch
// is absent or has no value.
func value(args []string, name string) (string, bool) {
	v, present := values(args, name)
	if !present || len(v) == 0 {
		return "", false
	}
	return v[0], true
}

// ApplyArgs overlays command-line switches. Malformed -dup and -port values
// fall back to their defaults; a malformed node list is an error.
func (c *Config) ApplyArgs(args []string) error {
	if v, ok := values(args, "-dup"); ok {
		n := 1
		if len(v) > 0 {
			if parsed, err := strconv.Atoi(v[0]); err == nil {
				n = parsed
			} else {
				c.warn("-dup %q is not a number, using 1", v[0])
			}
		}
		c.TicDup = n
	}
	if find(args, "-extratic") >= 0 {
		c.ExtraTics = true
	}
	if v, ok := values(args, "-port"); ok {
		p := 0
		if len(v) > 0 {
			p, _ = strconv.Atoi(v[0])
		}
		if p <= 0 || p > 65535 {
			c.warn("-port %v is not a port, using %d", v, defaultPort())
			p = defaultPort()
		}
		c.Port = p
	}
	if v, ok := value(args, "-bind"); ok {
		c.Bind = v
	}

	modes := 0
	if v, ok := values(args, "-net"); ok {
		modes++
		if len(v) == 0 {
			return fmt.Errorf("%w: -net needs a console player and a host list", ErrInvalid)
		}
		console, err := strconv.Atoi(v[0])
		if err != nil {
			return fmt.Errorf("%w: -net console player %q", ErrInvalid, v[0])
		}
		hosts := v[1:]
		if len(hosts)+1 > maxNodes {
			return fmt.Errorf("%w: %d nodes, at most %d", ErrInvalid, len(hosts)+1, maxNodes)
		}
		if console < 1 || console > len(hosts)+1 {
			return fmt.Errorf("%w: console player %d with %d nodes", ErrInvalid, console, len(hosts)+1)
		}
		c.Mode, c.Console, c.Hosts = ModeNet, console-1, hosts
	}
	if v, ok := values(args, "-host"); ok {
		modes++
		if len(v) == 0 {
			return fmt.Errorf("%w: -host needs a player count", ErrInvalid)
		}
		n, err := strconv.Atoi(v[0])
		if err != nil {
			return fmt.Errorf("%w: -host player count %q", ErrInvalid, v[0])
		}
		c.Mode, c.Players = ModeHost, n
	}
	if v, ok := values(args, "-join"); ok {
		modes++
		if len(v) == 0 {
			return fmt.Errorf("%w: -join needs a host address", ErrInvalid)
		}
		c.Mode, c.HostAddr = ModeJoin, v[0]
	}
	if v, ok := values(args, "-etcd"); ok {
		modes++
		c.Mode = ModeEtcd
		if len(v) > 0 {
			c.Etcd.Endpoints = strings.Split(v[0], ",")
		}
	}
	if modes > 1 {
		return fmt.Errorf("%w: -net, -host, -join and -etcd are exclusive", ErrInvalid)
	}
	if v, ok := value(args, "-session"); ok {
		c.Etcd.Session = v
	}
	if err := intArg(args, "-players", &c.Players); err != nil {
		return err
	}
	if err := intArg(args, "-player", &c.Etcd.Player); err != nil {
		return err
	}

	if v, ok := value(args, "-seed"); ok {
		s, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			return fmt.Errorf("%w: -seed %q", ErrInvalid, v)
		}
		c.Seed = uint32(s)
	}
	if find(args, "-compat") >= 0 {
		c.Compat = true
	}
	if err := intArg(args, "-tics", &c.Tics); err != nil {
		return err
	}
	if v, ok := value(args, "-record"); ok {
		c.Record = v
	}
	if v, ok := value(args, "-playdemo"); ok {
		c.PlayDemo = v
	}
	if v, ok := value(args, "-metrics"); ok {
		c.MetricsAddr = v
	}
	if v, ok := value(args, "-loglevel"); ok {
		c.LogLevel = v
	}
	return nil
}

func intArg(args []string, name string, dst *int) error {
	v, ok := value(args, name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s %q", ErrInvalid, name, v)
	}
	*dst = n
	return nil
}

func defaultPort() int { return Default().Port }
