package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
)

// DefaultPort is the UDP port used when none is configured.
const DefaultPort = 5029

const defaultBacklog = 256

type udpOptions struct {
	backlog int
}

type UDPOption func(udpOptions) udpOptions

// WithBacklog sets how many received datagrams may wait for TryReceive
// before new ones are dropped.
func WithBacklog(n int) UDPOption {
	return func(o udpOptions) udpOptions {
		if n > 0 {
			o.backlog = n
		}
		return o
	}
}

type received struct {
	d   Datagram
	err error
}

// UDP is the socket backend. A reader goroutine moves datagrams off the
// socket into a bounded queue so TryReceive can return immediately; when the
// queue is full the datagram is dropped, which the protocol treats as loss.
type UDP struct {
	conn  *net.UDPConn
	book  AddressBook
	local Address
	in    chan received

	mu     sync.Mutex
	cache  map[Address]netip.AddrPort
	closed bool
}

// ListenUDP binds addr (host:port, host may be empty). Failure to bind is a
// fatal startup condition for the caller.
func ListenUDP(addr string, book AddressBook, opts ...UDPOption) (*UDP, error) {
	o := udpOptions{backlog: defaultBacklog}
	for _, opt := range opts {
		o = opt(o)
	}
	la, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", la)
	if err != nil {
		return nil, fmt.Errorf("listen udp %q: %w", addr, err)
	}
	u := &UDP{
		conn:  conn,
		book:  book,
		local: UDPAddress(conn.LocalAddr().(*net.UDPAddr).AddrPort()),
		in:    make(chan received, o.backlog),
		cache: make(map[Address]netip.AddrPort),
	}
	go u.readLoop()
	return u, nil
}

func (u *UDP) readLoop() {
	defer close(u.in)
	buf := make([]byte, MaxDatagram+1)
	for {
		n, from, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			u.push(received{err: err})
			continue
		}
		if n > MaxDatagram {
			u.push(received{err: fmt.Errorf("%w from %s", ErrTooLarge, from)})
			continue
		}
		u.push(received{d: Datagram{From: UDPAddress(from), Data: append([]byte(nil), buf[:n]...)}})
	}
}

func (u *UDP) push(r received) {
	select {
	case u.in <- r:
	default:
	}
}

func (u *UDP) Send(node int, data []byte) error {
	addr, err := lookup(u.book, node)
	if err != nil {
		return err
	}
	return u.SendTo(addr, data)
}

func (u *UDP) SendTo(addr Address, data []byte) error {
	if len(data) > MaxDatagram {
		return ErrTooLarge
	}
	ap, err := u.parse(addr)
	if err != nil {
		return err
	}
	if _, err := u.conn.WriteToUDPAddrPort(data, ap); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

func (u *UDP) parse(addr Address) (netip.AddrPort, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return netip.AddrPort{}, ErrClosed
	}
	if ap, ok := u.cache[addr]; ok {
		return ap, nil
	}
	ap, err := netip.ParseAddrPort(string(addr))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse address %q: %w", addr, err)
	}
	u.cache[addr] = ap
	return ap, nil
}

func (u *UDP) TryReceive() (Datagram, bool, error) {
	select {
	case r, ok := <-u.in:
		if !ok {
			return Datagram{}, false, ErrClosed
		}
		if r.err != nil {
			return Datagram{}, false, r.err
		}
		return r.d, true, nil
	default:
		return Datagram{}, false, nil
	}
}

func (u *UDP) LocalAddr() Address { return u.local }

func (u *UDP) Close() error {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	return u.conn.Close()
}

var _ Transport = (*UDP)(nil)

// UDPAddress returns the canonical Address for ap. IPv4-mapped IPv6
// addresses are unmapped so that a peer is named the same way whether the
// socket is dual stack or not.
func UDPAddress(ap netip.AddrPort) Address {
	return Address(netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()).String())
}

// ResolveUDP turns "host" or "host:port" into an Address, filling in
// defaultPort when no port is given. Hostnames are resolved to IPv4 where
// possible.
func ResolveUDP(hostport string, defaultPort int) (Address, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, strconv.Itoa(defaultPort)
	}
	ua, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, port))
	if err != nil {
		ua, err = net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
		if err != nil {
			return "", fmt.Errorf("resolve %q: %w", hostport, err)
		}
	}
	return UDPAddress(ua.AddrPort()), nil
}
