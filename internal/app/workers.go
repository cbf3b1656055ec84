package app

import (
	"fmt"

	"github.com/parcelmesh/orderflow/internal/adapters"
	"github.com/parcelmesh/orderflow/internal/broker"
	"github.com/parcelmesh/orderflow/internal/common/health"
	"github.com/parcelmesh/orderflow/internal/pipeline"
)

// BuildWorkers creates the configured number of pipeline workers, each
// with its own broker connection and the CMS, ROS, WMS stage order.
func (a *App) BuildWorkers() []*pipeline.Worker {
	backends := a.Cfg.Backends
	stages := []adapters.Adapter{
		adapters.NewCMSAdapter(backends.CMSURL, backends.Timeout),
		adapters.NewROSAdapter(backends.ROSURL, backends.Timeout),
		adapters.NewWMSAdapter(backends.WMSAddr(), backends.Timeout),
	}
	terminator := pipeline.NewTerminator(a.Store, a.Store, a.Store, a.Notifier, a.Notifier)

	workers := make([]*pipeline.Worker, 0, a.Cfg.Worker.Count)
	for i := 0; i < a.Cfg.Worker.Count; i++ {
		name := fmt.Sprintf("worker-%d", i)
		opts := pipeline.WorkerOptions{
			Broker:         broker.NewClient(a.Cfg.RabbitURL, name),
			Orders:         a.Store,
			Events:         a.Store,
			Adapters:       stages,
			Terminator:     terminator,
			Pusher:         a.Notifier,
			Retry:          a.Cfg.Retry,
			DemoDelays:     a.Cfg.DemoDelays,
			ReconnectDelay: a.Cfg.Worker.ReconnectDelay,
		}
		if a.Dedup != nil {
			opts.Dedup = a.Dedup
		}
		w := pipeline.NewWorker(name, opts)
		a.Health.AddReadinessCheck(health.BrokerCheck(w.Health))
		workers = append(workers, w)
	}
	return workers
}
