package core

// node.go – assembles the CCN from its parts and runs the worker groups.
// Everything is passed explicitly; no singletons. Shutdown lets workers
// finish their in-flight row, then waits out a 30 s drain cap — abandoned
// claims become re-claimable once their claim window lapses.

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"aleph-network/pkg/config"
)

// drainTimeout caps the shutdown drain.
const drainTimeout = 30 * time.Second

// Node owns every long-lived component of the CCN.
type Node struct {
	cfg    *config.Config
	logger *log.Logger

	store       *Store
	cas         *CAS
	ipfs        *IPFSClient
	dedup       *DedupCache
	p2p         *P2PNode
	processor   *Processor
	txProcessor *TxProcessor
	indexers    []*Indexer
	collector   *Collector
	reconciler  *Reconciler
	sampler     *MetricsSampler
	ingress     *Ingress
}

// NewNode wires a node from configuration. Configuration errors here are
// the only fatal startup conditions.
func NewNode(cfg *config.Config, lg *log.Logger) (*Node, error) {
	store, err := OpenStore(cfg.Store.Path, lg, cfg.Store.ClaimTimeout)
	if err != nil {
		return nil, err
	}
	local, err := NewLocalStore(cfg.Storage.ObjectRoot, lg)
	if err != nil {
		store.Close()
		return nil, err
	}
	var ipfs *IPFSClient
	if cfg.Storage.IPFSGateway != "" {
		ipfs = NewIPFSClient(cfg.Storage.IPFSGateway, cfg.Storage.GatewayTimeout, lg)
	}
	cas := NewCAS(local, ipfs, lg)
	dedup := NewDedupCache(cfg.Redis.Addr, cfg.Redis.TTL, lg)

	p2p, err := NewP2PNode(P2PConfig{
		ListenAddr:     cfg.P2P.ListenAddr,
		Topic:          cfg.P2P.Topic,
		BootstrapPeers: cfg.P2P.BootstrapPeers,
		PublishRate:    cfg.P2P.PublishRate,
	}, lg)
	if err != nil {
		store.Close()
		return nil, err
	}

	tieBreak := TieBreakHashAsc
	if cfg.Pipeline.TieBreak == "item_hash_desc" {
		tieBreak = TieBreakHashDesc
	}
	storeHandler := NewStoreHandler(cas, cfg.Storage.GraceTemporary, cfg.Storage.GraceNormal)
	forgetHandler := NewForgetHandler()
	handlers := map[MsgType]Handler{
		MsgAggregate: NewAggregateHandler(tieBreak),
		MsgPost:      &PostHandler{},
		MsgStore:     storeHandler,
		MsgForget:    forgetHandler,
		MsgProgram:   &ProgramHandler{},
	}
	forgetHandler.SetRegistry(handlers)

	typeLimits := make(map[MsgType]int, len(cfg.Pipeline.TypeLimits))
	for t, n := range cfg.Pipeline.TypeLimits {
		typeLimits[MsgType(t)] = n
	}
	processor := NewProcessor(store, cas, dedup, p2p, handlers, PipelineConfig{
		Workers:       cfg.Pipeline.Workers,
		BatchSize:     cfg.Pipeline.BatchSize,
		FetchTimeout:  cfg.Pipeline.FetchTimeout,
		MaxRetries:    cfg.Pipeline.MaxRetries,
		RetryBase:     cfg.Pipeline.RetryBase,
		RetryCap:      cfg.Pipeline.RetryCap,
		HighWatermark: cfg.Pipeline.HighWatermark,
		TypeLimits:    typeLimits,
	}, lg)

	txProcessor := NewTxProcessor(store, cas, TxProcessorConfig{
		FetchTimeout: cfg.Pipeline.FetchTimeout,
		MaxRetries:   cfg.Pipeline.MaxRetries,
		RetryBase:    cfg.Pipeline.RetryBase,
		RetryCap:     cfg.Pipeline.RetryCap,
	}, processor.OverWatermark, lg)

	node := &Node{
		cfg:         cfg,
		logger:      lg,
		store:       store,
		cas:         cas,
		ipfs:        ipfs,
		dedup:       dedup,
		p2p:         p2p,
		processor:   processor,
		txProcessor: txProcessor,
		collector:   NewCollector(store, cas, cfg.Storage.GCInterval, lg),
		reconciler:  NewReconciler(store, cfg.Balance.Interval, cfg.Storage.GraceNormal, lg),
		sampler:     NewMetricsSampler(store, 0, lg),
		ingress:     NewIngress(cfg.Ingress.ListenAddr, processor, lg),
	}

	for _, cc := range cfg.Chains {
		if !cc.Enabled {
			continue
		}
		source, err := node.buildSource(cc, lg)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", cc.Name, err)
		}
		node.indexers = append(node.indexers, NewIndexer(store, source, IndexerConfig{
			StartHeight:       cc.StartHeight,
			ConfirmationDepth: cc.ConfirmationDepth,
			PollInterval:      cc.PollInterval,
			Window:            cc.Window,
		}, lg))
	}
	return node, nil
}

func (n *Node) buildSource(cc config.ChainConfig, lg *log.Logger) (ChainSource, error) {
	switch ChainID(cc.Name) {
	case ChainETH, ChainBNB:
		return NewEthereumSource(ChainID(cc.Name), cc.RPCEndpoint, cc.ContractAddress, cc.TokenAddress, lg)
	case ChainTezos:
		return NewTezosSource(cc.RPCEndpoint, cc.ContractAddress, lg), nil
	case ChainNULS2:
		return NewNulsSource(cc.RPCEndpoint, lg), nil
	}
	return nil, fmt.Errorf("no indexer for chain %q", cc.Name)
}

// Start runs every worker group until ctx is cancelled, then drains.
func (n *Node) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.processor.Run(gctx) })
	g.Go(func() error { return n.txProcessor.Run(gctx) })
	g.Go(func() error {
		return n.p2p.Run(gctx, func(ctx context.Context, env *MessageEnvelope) error {
			return n.processor.Ingest(ctx, env, OriginP2P)
		})
	})
	for _, idx := range n.indexers {
		g.Go(func() error { return idx.Run(gctx) })
	}
	g.Go(func() error { return n.collector.Run(gctx) })
	g.Go(func() error { return n.reconciler.Run(gctx) })
	g.Go(func() error { return n.sampler.Run(gctx) })
	g.Go(n.ingress.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return n.ingress.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return n.storeWatchdog(gctx) })

	waitCh := make(chan error, 1)
	go func() { waitCh <- g.Wait() }()
	select {
	case err := <-waitCh:
		return err
	case <-ctx.Done():
		select {
		case err := <-waitCh:
			return err
		case <-time.After(drainTimeout):
			n.logger.Warn("shutdown drain timed out; abandoning in-flight rows")
			return nil
		}
	}
}

// storeWatchdog triggers controlled shutdown when the store stays
// unreachable past the fatal timeout. Nothing else in the pipeline is fatal.
func (n *Node) storeWatchdog(ctx context.Context) error {
	fatal := n.cfg.Store.FatalDBTimeout
	if fatal <= 0 {
		fatal = 5 * time.Minute
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	var downSince time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := n.store.Ping(ctx); err != nil {
				if downSince.IsZero() {
					downSince = time.Now()
					n.logger.Warnf("store unreachable: %v", err)
				} else if time.Since(downSince) > fatal {
					return fmt.Errorf("store unreachable for %s: %w", fatal, err)
				}
				continue
			}
			downSince = time.Time{}
		}
	}
}

// Close releases every resource.
func (n *Node) Close() error {
	if err := n.p2p.Close(); err != nil {
		n.logger.Warnf("close p2p: %v", err)
	}
	if err := n.dedup.Close(); err != nil {
		n.logger.Warnf("close dedup: %v", err)
	}
	return n.store.Close()
}
