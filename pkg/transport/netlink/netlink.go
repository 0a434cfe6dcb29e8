// Package netlink registers network links as bus devices and follows link
// hot-plug through rtnetlink notifications.
package netlink

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/Nativu5/pdm/pkg/bus"
	"github.com/Nativu5/pdm/pkg/transport"
	"github.com/Nativu5/pdm/pkg/types"
)

const (
	// Name is the transport name used in board files and flags.
	Name = "netlink"

	// Compatible is the match string of link devices.
	Compatible = "pdm,net-link"
)

// Handle is the backing handle of a link device.
type Handle struct {
	Index int
}

// LinkSource lists links and streams link updates.
type LinkSource interface {
	LinkList() ([]netlink.Link, error)
	LinkSubscribe(ch chan<- netlink.LinkUpdate, done <-chan struct{}) error
}

type hostLinks struct{}

func (hostLinks) LinkList() ([]netlink.Link, error) { return netlink.LinkList() }

func (hostLinks) LinkSubscribe(ch chan<- netlink.LinkUpdate, done <-chan struct{}) error {
	return netlink.LinkSubscribe(ch, done)
}

// Transport registers links of the configured types.
type Transport struct {
	src       LinkSource
	linkTypes map[string]bool

	mu      sync.Mutex
	bus     *bus.Bus
	tracker transport.Tracker
}

// Option configures a Transport.
type Option func(*Transport)

// WithSource replaces the host rtnetlink source.
func WithSource(src LinkSource) Option {
	return func(t *Transport) { t.src = src }
}

// WithLinkTypes restricts registration to the given link types
// (netlink.Link.Type()). The default is physical devices only.
func WithLinkTypes(linkTypes ...string) Option {
	return func(t *Transport) {
		t.linkTypes = make(map[string]bool, len(linkTypes))
		for _, lt := range linkTypes {
			t.linkTypes[lt] = true
		}
	}
}

// New returns a netlink transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		src:       hostLinks{},
		linkTypes: map[string]bool{"device": true},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return Name }

// Start registers every eligible link present now. Links that fail to
// probe are logged and skipped.
func (t *Transport) Start(b *bus.Bus) error {
	links, err := t.src.LinkList()
	if err != nil {
		return fmt.Errorf("cannot list links: %w", err)
	}

	t.mu.Lock()
	t.bus = b
	t.mu.Unlock()

	for _, link := range links {
		t.add(b, link)
	}
	log.Infof("netlink transport registered %d link(s)", t.tracker.Len())
	return nil
}

// Stop removes every registered link.
func (t *Transport) Stop() {
	t.mu.Lock()
	b := t.bus
	t.bus = nil
	t.mu.Unlock()
	if b == nil {
		return
	}
	t.tracker.DetachAll(b)
}

// Watch follows link additions and removals until ctx is cancelled.
func (t *Transport) Watch(ctx context.Context) error {
	t.mu.Lock()
	b := t.bus
	t.mu.Unlock()
	if b == nil {
		return fmt.Errorf("%w: netlink transport not started", types.ErrResourceUnavailable)
	}

	updates := make(chan netlink.LinkUpdate, 64)
	done := make(chan struct{})
	defer close(done)
	if err := t.src.LinkSubscribe(updates, done); err != nil {
		return fmt.Errorf("cannot subscribe to link updates: %w", err)
	}
	log.Debug("watching link updates")

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return fmt.Errorf("link update channel closed")
			}
			t.handle(b, u)
		}
	}
}

func (t *Transport) handle(b *bus.Bus, u netlink.LinkUpdate) {
	if u.Link == nil {
		return
	}
	switch u.Header.Type {
	case unix.RTM_NEWLINK:
		t.add(b, u.Link)
	case unix.RTM_DELLINK:
		h := Handle{Index: u.Link.Attrs().Index}
		if !t.tracker.Has(h) {
			return
		}
		if err := t.tracker.Detach(b, h); err != nil {
			log.Warnf("cannot remove link %s: %v", u.Link.Attrs().Name, err)
			return
		}
		log.Infof("link %s removed", u.Link.Attrs().Name)
	}
}

func (t *Transport) add(b *bus.Bus, link netlink.Link) {
	if !t.eligible(link) {
		return
	}
	h := Handle{Index: link.Attrs().Index}
	if t.tracker.Has(h) {
		return
	}
	if err := t.tracker.Attach(b, h, NodeForLink(link)); err != nil {
		log.Warnf("cannot register link %s: %v", link.Attrs().Name, err)
		return
	}
	log.Debugf("link %s registered", link.Attrs().Name)
}

func (t *Transport) eligible(link netlink.Link) bool {
	attrs := link.Attrs()
	if attrs == nil || attrs.Name == "" || attrs.Flags&net.FlagLoopback != 0 {
		return false
	}
	return t.linkTypes[link.Type()]
}

// NodeForLink describes a link as a device node.
func NodeForLink(link netlink.Link) *types.Node {
	attrs := link.Attrs()
	props := map[string]string{
		"ifname": attrs.Name,
		"index":  strconv.Itoa(attrs.Index),
		"mtu":    strconv.Itoa(attrs.MTU),
	}
	if len(attrs.HardwareAddr) > 0 {
		props["mac"] = attrs.HardwareAddr.String()
	}
	if attrs.EncapType != "" {
		props["encap"] = attrs.EncapType
	}
	return &types.Node{
		Name:       attrs.Name,
		Compatible: Compatible,
		Bus:        types.BusNetlink,
		Properties: props,
	}
}
