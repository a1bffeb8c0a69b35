package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// collectors создаёт коллекторы в одном реестре. Повторный конструктор
// (второй сервис в тесте, перезапуск app) получает уже существующий коллектор.
type collectors struct {
	reg prometheus.Registerer
}

func in(reg prometheus.Registerer) collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return collectors{reg: reg}
}

// adopt паникует, если имя занято коллектором другого типа или с другими метками.
func adopt[T prometheus.Collector](c collectors, name string, fresh T) T {
	err := c.reg.Register(fresh)
	if err == nil {
		return fresh
	}
	var dup prometheus.AlreadyRegisteredError
	if !errors.As(err, &dup) {
		panic(fmt.Sprintf("metrics: register %s: %v", name, err))
	}
	existing, ok := dup.ExistingCollector.(T)
	if !ok {
		panic(fmt.Sprintf("metrics: %s is registered as %T", name, dup.ExistingCollector))
	}
	return existing
}

func (c collectors) counter(opts prometheus.CounterOpts) prometheus.Counter {
	return adopt[prometheus.Counter](c, opts.Name, prometheus.NewCounter(opts))
}

func (c collectors) counterVec(opts prometheus.CounterOpts, labels ...string) *prometheus.CounterVec {
	return adopt(c, opts.Name, prometheus.NewCounterVec(opts, labels))
}

func (c collectors) gauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	return adopt[prometheus.Gauge](c, opts.Name, prometheus.NewGauge(opts))
}

func (c collectors) histogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	return adopt[prometheus.Histogram](c, opts.Name, prometheus.NewHistogram(opts))
}

func (c collectors) histogramVec(opts prometheus.HistogramOpts, labels ...string) *prometheus.HistogramVec {
	return adopt(c, opts.Name, prometheus.NewHistogramVec(opts, labels))
}
