package core

// p2p.go – the gossip leg of the node. Inbound announcements are shape
// checked and queued; content is never fetched here, that is the pipeline's
// job. Outbound publishes locally accepted messages, token-bucket limited
// per channel.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// NewP2PNode creates the libp2p host, joins the gossip topic and subscribes.
func NewP2PNode(cfg P2PConfig, lg *log.Logger) (*P2PNode, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}
	topic, err := ps.Join(cfg.Topic)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("join topic %s: %w", cfg.Topic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("subscribe topic %s: %w", cfg.Topic, err)
	}
	if cfg.PublishRate <= 0 {
		cfg.PublishRate = 50
	}
	n := &P2PNode{
		host:     h,
		pubsub:   ps,
		topic:    topic,
		sub:      sub,
		cfg:      cfg,
		logger:   lg,
		limiters: make(map[string]*rate.Limiter),
		ctx:      ctx,
		cancel:   cancel,
	}
	if err := n.DialSeed(cfg.BootstrapPeers); err != nil {
		lg.Warnf("p2p: bootstrap: %v", err)
	}
	lg.Infof("p2p: host %s on topic %s", h.ID(), cfg.Topic)
	return n, nil
}

// DialSeed connects to a list of bootstrap peers.
func (n *P2PNode) DialSeed(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		n.logger.Infof("p2p: bootstrapped to %s", addr)
	}
	if len(errs) > 0 {
		return fmt.Errorf("dial errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Run drains the subscription, handing each announcement to ingest. A full
// queue drops the announcement silently; the network will gossip it again.
func (n *P2PNode) Run(ctx context.Context, ingest func(ctx context.Context, env *MessageEnvelope) error) error {
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || n.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("subscription next: %w", err)
		}
		if msg.GetFrom() == n.host.ID() {
			continue
		}
		var env MessageEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			n.logger.Debugf("p2p: undecodable announcement from %s", msg.GetFrom())
			continue
		}
		if err := ingest(ctx, &env); err != nil {
			if errors.Is(err, ErrQueueFull) {
				continue
			}
			n.logger.Debugf("p2p: drop %s: %v", env.ItemHash, err)
		}
	}
}

// PublishMessage announces an accepted envelope, rate limited per channel.
func (n *P2PNode) PublishMessage(ctx context.Context, env *MessageEnvelope) error {
	if err := n.limiter(env.Channel).Wait(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := n.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish topic %s: %w", n.cfg.Topic, err)
	}
	return nil
}

func (n *P2PNode) limiter(channel string) *rate.Limiter {
	n.limiterMu.Lock()
	defer n.limiterMu.Unlock()
	l, ok := n.limiters[channel]
	if !ok {
		l = rate.NewLimiter(rate.Limit(n.cfg.PublishRate), int(n.cfg.PublishRate))
		n.limiters[channel] = l
	}
	return l
}

// Close tears down the subscription and host.
func (n *P2PNode) Close() error {
	n.cancel()
	n.sub.Cancel()
	return n.host.Close()
}
