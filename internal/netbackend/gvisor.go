//go:build linux || darwin

package netbackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const (
	gvisorNICID  tcpip.NICID = 1
	gvisorMTU                = 1500
	channelDepth             = 512
	dnsPort                  = 53
)

// DefaultGatewayMAC is the link address of the host side of the network.
var DefaultGatewayMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

// GvisorOptions configures the user-mode network.
type GvisorOptions struct {
	// Subnet is the guest network; the host answers on its first address.
	Subnet netip.Prefix
	// Hosts are static DNS answers, by fully qualified or bare name.
	Hosts map[string]netip.Addr
	// ForwardDNS resolves names missing from Hosts with the host resolver.
	ForwardDNS bool
	Logger     *slog.Logger
}

// Gvisor is a Backend whose peer is an in-process gVisor network stack
// acting as the guest's gateway and DNS server. Frames travel over a
// socketpair so the device side polls like any other backend.
type Gvisor struct {
	*Unixgram

	peer    int
	gateway netip.Addr
	stack   *stack.Stack
	link    *channel.Endpoint
	dns     *dnsResponder
	log     *slog.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewGvisor starts the stack and its frame pumps.
func NewGvisor(opts GvisorOptions) (*Gvisor, error) {
	if !opts.Subnet.IsValid() || !opts.Subnet.Addr().Is4() {
		return nil, fmt.Errorf("netbackend: gvisor needs an IPv4 subnet, got %q", opts.Subnet)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gvisor-net")

	dev, peer, err := NewUnixgramPair()
	if err != nil {
		return nil, err
	}

	subnet := opts.Subnet.Masked()
	g := &Gvisor{
		Unixgram: dev,
		peer:     peer,
		gateway:  subnet.Addr().Next(),
		log:      logger,
	}
	if err := g.startStack(subnet); err != nil {
		dev.Close()
		unix.Close(peer)
		return nil, err
	}

	conn, err := gonet.DialUDP(g.stack, &tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: tcpip.AddrFrom4(g.gateway.As4()),
		Port: dnsPort,
	}, nil, ipv4.ProtocolNumber)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("netbackend: dns listen: %w", err)
	}
	g.dns = newDNSResponder(logger, opts.Hosts, opts.ForwardDNS, conn)

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.wg.Add(2)
	go g.pumpInbound()
	go g.pumpOutbound(ctx)
	g.dns.start()
	return g, nil
}

func (g *Gvisor) startStack(subnet netip.Prefix) error {
	// channel.Endpoint's MTU is the L2 MTU as seen by ethernet.Endpoint.
	g.link = channel.New(channelDepth, gvisorMTU+header.EthernetMinimumSize, tcpip.LinkAddress(DefaultGatewayMAC))
	g.stack = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4},
	})
	if err := g.stack.CreateNIC(gvisorNICID, ethernet.New(g.link)); err != nil {
		return fmt.Errorf("netbackend: create nic: %s", err)
	}
	if err := g.stack.AddProtocolAddress(gvisorNICID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFrom4(g.gateway.As4()),
			PrefixLen: subnet.Bits(),
		},
	}, stack.AddressProperties{}); err != nil {
		return fmt.Errorf("netbackend: add gateway address: %s", err)
	}
	route := tcpip.AddressWithPrefix{
		Address:   tcpip.AddrFrom4(subnet.Addr().As4()),
		PrefixLen: subnet.Bits(),
	}.Subnet()
	g.stack.SetRouteTable([]tcpip.Route{{Destination: route, NIC: gvisorNICID}})
	return nil
}

// Gateway is the host address on the guest network.
func (g *Gvisor) Gateway() netip.Addr { return g.gateway }

// DialGuest opens a TCP connection from the host into the guest.
func (g *Gvisor) DialGuest(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	return gonet.DialContextTCP(ctx, g.stack, tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: tcpip.AddrFrom4(addr.Addr().As4()),
		Port: addr.Port(),
	}, ipv4.ProtocolNumber)
}

// pumpInbound carries guest frames into the stack.
func (g *Gvisor) pumpInbound() {
	defer g.wg.Done()
	buf := make([]byte, MaxFrame)
	for {
		n, err := unix.Read(g.peer, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n == 0 {
			if err != nil && !errors.Is(err, unix.EBADF) {
				g.log.Debug("netbackend: inbound pump stopped", "error", err)
			}
			return
		}
		if n < header.EthernetMinimumSize {
			continue
		}
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(append([]byte(nil), buf[:n]...)),
		})
		// ethernet.Endpoint parses the protocol from the frame header.
		g.link.InjectInbound(0, pkt)
		pkt.DecRef()
	}
}

// pumpOutbound carries stack frames to the guest.
func (g *Gvisor) pumpOutbound(ctx context.Context) {
	defer g.wg.Done()
	for {
		pkt := g.link.ReadContext(ctx)
		if pkt == nil {
			return
		}
		frame := pkt.ToView().AsSlice()
		_, err := unix.Write(g.peer, frame)
		pkt.DecRef()
		if err != nil {
			g.log.Debug("netbackend: dropping frame to guest", "error", err)
		}
	}
}

func (g *Gvisor) Close() error {
	var err error
	g.closeOnce.Do(func() {
		if g.dns != nil {
			g.dns.stop()
		}
		if g.cancel != nil {
			g.cancel()
		}
		// Wakes the blocked inbound read.
		_ = unix.Shutdown(g.peer, unix.SHUT_RDWR)
		g.wg.Wait()
		g.link.Close()
		g.stack.Close()
		g.stack.Wait()
		unix.Close(g.peer)
		err = g.Unixgram.Close()
	})
	return err
}
