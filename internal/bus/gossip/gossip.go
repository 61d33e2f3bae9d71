// Package gossip implements the signaling bus as a libp2p GossipSub topic.
// Participants on one LAN find each other through mDNS; others are reached
// through bootstrap multiaddrs.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/meshcall/internal/bus"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/signal"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"
)

const (
	topicPrefix    = "meshcall/"
	connectTimeout = 10 * time.Second
)

type Options struct {
	ListenHost  string
	Port        int
	MDNSTag     string
	DisableMDNS bool
	Bootstrap   []string
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debug().Err(err).Str("module", "bus.gossip").Str("peer", pi.ID.String()).Msg("mdns connect")
		return
	}
	log.Info().Str("module", "bus.gossip").Str("peer", pi.ID.String()).Msg("mdns peer connected")
}

type Bus struct {
	host  host.Host
	mdns  mdns.Service
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	subs  bus.Fanout

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func New(ctx context.Context, topic domain.TopicName, opts Options) (*Bus, error) {
	if opts.ListenHost == "" {
		opts.ListenHost = "0.0.0.0"
	}
	h, err := libp2p.New(libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", opts.ListenHost, opts.Port)))
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	var md mdns.Service
	if !opts.DisableMDNS {
		md = mdns.NewMdnsService(h, opts.MDNSTag, &mdnsNotifee{h: h})
		if err := md.Start(); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("mdns: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		closeAll(md, h)
		return nil, fmt.Errorf("gossipsub: %w", err)
	}
	t, err := ps.Join(topicPrefix + string(topic))
	if err != nil {
		closeAll(md, h)
		return nil, fmt.Errorf("join topic: %w", err)
	}
	sub, err := t.Subscribe()
	if err != nil {
		_ = t.Close()
		closeAll(md, h)
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		host:   h,
		mdns:   md,
		topic:  t,
		sub:    sub,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.bootstrap(ctx, opts.Bootstrap)
	go b.readLoop(runCtx)

	log.Info().Str("module", "bus.gossip").Str("host", h.ID().String()).Strs("addrs", b.Addrs()).Str("topic", string(topic)).Msg("gossip bus ready")
	return b, nil
}

func closeAll(md mdns.Service, h host.Host) {
	if md != nil {
		_ = md.Close()
	}
	_ = h.Close()
}

func (b *Bus) bootstrap(ctx context.Context, addrs []string) {
	for _, s := range addrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Warn().Err(err).Str("module", "bus.gossip").Str("addr", s).Msg("bad bootstrap address")
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Warn().Err(err).Str("module", "bus.gossip").Str("addr", s).Msg("bootstrap address without peer id")
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		err = b.host.Connect(cctx, *info)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("module", "bus.gossip").Str("peer", info.ID.String()).Msg("bootstrap connect")
			continue
		}
		log.Info().Str("module", "bus.gossip").Str("peer", info.ID.String()).Msg("bootstrap connected")
	}
}

// Addrs returns the host's dialable /p2p multiaddrs.
func (b *Bus) Addrs() []string {
	info := peer.AddrInfo{ID: b.host.ID(), Addrs: b.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func (b *Bus) readLoop(ctx context.Context) {
	defer close(b.done)
	self := b.host.ID()
	for {
		m, err := b.sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				log.Error().Err(err).Str("module", "bus.gossip").Msg("subscription ended")
			}
			return
		}
		if m.ReceivedFrom == self {
			continue
		}
		msg, err := signal.Decode(m.Data)
		if err != nil {
			log.Warn().Err(err).Str("module", "bus.gossip").Str("peer", m.ReceivedFrom.String()).Msg("bad message")
			continue
		}
		b.subs.Deliver(msg)
	}
}

func (b *Bus) Publish(ctx context.Context, msg signal.Message) error {
	select {
	case <-b.done:
		return bus.ErrClosed
	default:
	}
	data, err := signal.Encode(msg)
	if err != nil {
		return err
	}
	return b.topic.Publish(ctx, data)
}

func (b *Bus) Subscribe(fn func(signal.Message)) func() {
	return b.subs.Subscribe(fn)
}

func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.sub.Cancel()
		select {
		case <-b.done:
		case <-time.After(time.Second):
			b.cancel()
			<-b.done
		}
		b.cancel()
		err = errors.Join(b.topic.Close(), b.closeHost())
	})
	return err
}

func (b *Bus) closeHost() error {
	var errs []error
	if b.mdns != nil {
		errs = append(errs, b.mdns.Close())
	}
	errs = append(errs, b.host.Close())
	return errors.Join(errs...)
}
