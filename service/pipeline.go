// Package service wires the pipeline workers into long-running services
// with a shared lifecycle: Start launches the worker loops, Stop drains
// them gracefully.
package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chainpay/withdrawd/broadcast"
	"github.com/chainpay/withdrawd/dlq"
	"github.com/chainpay/withdrawd/ingress"
	"github.com/chainpay/withdrawd/log"
	"github.com/chainpay/withdrawd/monitor"
	"github.com/chainpay/withdrawd/queue"
	"github.com/chainpay/withdrawd/signing"
	"github.com/chainpay/withdrawd/storage"
)

// StatsMonitorInterval is the interval at which queue depths are logged.
// This can be overridden before starting the service.
var StatsMonitorInterval = 60 * time.Second

// Pipeline runs the whole withdrawal pipeline in one process.
type Pipeline struct {
	Ingress *ingress.Ingress

	stg       *storage.Storage
	signing   *signing.Worker
	broadcast *broadcast.Worker
	monitor   *monitor.Monitor
	dlq       *dlq.Handler

	// SigningWorkers is how many signing loops run concurrently. The
	// broadcast worker always runs as a single loop: in-order draining is
	// serialized per (chain, signer) anyway.
	SigningWorkers int
	MonitorWorkers int

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewPipeline assembles the pipeline services.
func NewPipeline(stg *storage.Storage, ing *ingress.Ingress, sw *signing.Worker,
	bw *broadcast.Worker, mon *monitor.Monitor, dh *dlq.Handler) *Pipeline {
	return &Pipeline{
		Ingress:        ing,
		stg:            stg,
		signing:        sw,
		broadcast:      bw,
		monitor:        mon,
		dlq:            dh,
		SigningWorkers: 1,
		MonitorWorkers: 1,
	}
}

// Start launches every worker loop. It returns an error if already running.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.cancel != nil {
		return fmt.Errorf("pipeline already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	p.group = g

	for i := 0; i < p.SigningWorkers; i++ {
		g.Go(func() error { return p.signing.Run(ctx) })
	}
	g.Go(func() error { return p.broadcast.Run(ctx) })
	for i := 0; i < p.MonitorWorkers; i++ {
		g.Go(func() error { return p.monitor.Run(ctx) })
	}
	g.Go(func() error { return p.dlq.Run(ctx) })

	p.startStatsMonitor(ctx, StatsMonitorInterval)
	log.Infow("pipeline started",
		"signingWorkers", p.SigningWorkers, "monitorWorkers", p.MonitorWorkers)
	return nil
}

// Stop cancels the worker loops and waits for in-flight cycles to finish.
// Messages still reserved at shutdown reappear after their visibility
// timeout.
func (p *Pipeline) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	if err := p.group.Wait(); err != nil {
		log.Warnw("pipeline stopped", "error", err.Error())
	}
	p.cancel = nil
	log.Infow("pipeline stopped")
}

// startStatsMonitor periodically logs the queue depths.
func (p *Pipeline) startStatsMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.logQueueStats()
			}
		}
	}()
}

func (p *Pipeline) logQueueStats() {
	names := []string{
		queue.TxRequest, queue.SignedTx, queue.BroadcastTx,
		queue.DLQName(queue.TxRequest), queue.DLQName(queue.SignedTx),
		queue.DLQName(queue.BroadcastTx),
	}
	fields := make([]any, 0, len(names)*2)
	for _, name := range names {
		depth, err := p.stg.QueueDepth(name)
		if err != nil {
			continue
		}
		fields = append(fields, name, depth)
	}
	log.Infow("queue depths", fields...)
}
