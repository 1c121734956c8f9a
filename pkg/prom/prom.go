package prom

import (
	"fmt"
	"sync"

	xhttp "github.com/nimasrn/bulk-sms-orchestrator/pkg/http"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemMessages = "messages"
	SystemJobs     = "jobs"
	SystemDevice   = "device"
	SystemQueue    = "queue"
	SystemTasks    = "tasks"
)

const (
	MetricMessagesFinished    = "finished_total"
	MetricSendAttemptDuration = "send_attempt_duration_seconds"
	MetricJobsFinished        = "finished_total"
	MetricDeviceState         = "state"
	MetricLaneDepth           = "lane_depth"
	MetricTaskDuration        = "duration_seconds"
)

const (
	TypeCounterVec   = "counterVec"
	TypeHistogramVec = "histogramVec"
	TypeGaugeVec     = "gaugeVec"
)

var (
	mu        sync.RWMutex
	namespace = "none"
	enabled   = false

	counterVecs   = make(map[string]*prometheus.CounterVec)
	gaugeVecs     = make(map[string]*prometheus.GaugeVec)
	histogramVecs = make(map[string]*prometheus.HistogramVec)

	defaultLabels prometheus.Labels
)

// Create registers every metric of the service. Calling it twice returns the
// registration error from prometheus.
func Create(host string, env string, nameSpace string) error {
	mu.Lock()
	defaultLabels = prometheus.Labels{"env": env, "instance": host}
	namespace = nameSpace
	enabled = true
	mu.Unlock()

	var err error
	hasError := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	hasError(CreateMetric(TypeCounterVec, SystemMessages, MetricMessagesFinished, "status"))
	hasError(CreateMetric(TypeHistogramVec, SystemMessages, MetricSendAttemptDuration, "outcome"))
	hasError(CreateMetric(TypeCounterVec, SystemJobs, MetricJobsFinished, "status"))
	hasError(CreateMetric(TypeGaugeVec, SystemDevice, MetricDeviceState, "state"))
	hasError(CreateMetric(TypeGaugeVec, SystemQueue, MetricLaneDepth, "lane"))
	hasError(CreateMetric(TypeHistogramVec, SystemTasks, MetricTaskDuration, "type", "outcome"))

	return err
}

// Enabled reports whether Create has been called.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

func CreateMetric(metricType, subsystem, name string, labels ...string) error {
	mu.Lock()
	defer mu.Unlock()

	var c prometheus.Collector
	switch metricType {
	case TypeCounterVec:
		v := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, ConstLabels: defaultLabels,
			Help: subsystem + " " + name,
		}, labels)
		counterVecs[subsystem+name] = v
		c = v
	case TypeGaugeVec:
		v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, ConstLabels: defaultLabels,
			Help: subsystem + " " + name,
		}, labels)
		gaugeVecs[subsystem+name] = v
		c = v
	case TypeHistogramVec:
		v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, ConstLabels: defaultLabels,
			Help: subsystem + " " + name, Buckets: prometheus.DefBuckets,
		}, labels)
		histogramVecs[subsystem+name] = v
		c = v
	default:
		return fmt.Errorf("metric type %s is not defined", metricType)
	}
	return prometheus.Register(c)
}

// Handler exposes the default registry for a fasthttp router.
func Handler() xhttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
}

func ListenAndServe(addr string, url string) error {
	s := xhttp.CreateServer()
	s.GET(url, Handler())
	logger.Info("[metrics-server] listening", "addr", addr, "url", url)
	return s.ListenAndServe(addr)
}

func AddCounterVec(subsystem, name string, num float64, labelValues ...string) {
	mu.RLock()
	v, ok := counterVecs[subsystem+name]
	on := enabled
	mu.RUnlock()
	if !on {
		return
	}
	if !ok {
		logger.Warn("[metrics] counter vec not found", "subsystem", subsystem, "name", name)
		return
	}
	v.WithLabelValues(labelValues...).Add(num)
}

func IncCounterVec(subsystem, name string, labelValues ...string) {
	AddCounterVec(subsystem, name, 1, labelValues...)
}

func SetGaugeVec(subsystem, name string, num float64, labelValues ...string) {
	mu.RLock()
	v, ok := gaugeVecs[subsystem+name]
	on := enabled
	mu.RUnlock()
	if !on {
		return
	}
	if !ok {
		logger.Warn("[metrics] gauge vec not found", "subsystem", subsystem, "name", name)
		return
	}
	v.WithLabelValues(labelValues...).Set(num)
}

func AddHistogramVec(subsystem, name string, number float64, labelValues ...string) {
	mu.RLock()
	v, ok := histogramVecs[subsystem+name]
	on := enabled
	mu.RUnlock()
	if !on {
		return
	}
	if !ok {
		logger.Warn("[metrics] histogram vec not found", "subsystem", subsystem, "name", name)
		return
	}
	v.WithLabelValues(labelValues...).Observe(number)
}

func MessageFinished(status string) {
	IncCounterVec(SystemMessages, MetricMessagesFinished, status)
}

func SendAttemptDuration(seconds float64, outcome string) {
	AddHistogramVec(SystemMessages, MetricSendAttemptDuration, seconds, outcome)
}

func JobFinished(status string) {
	IncCounterVec(SystemJobs, MetricJobsFinished, status)
}

// DeviceState sets the gauge of the reported state to 1 and the others to 0.
func DeviceState(state string, states ...string) {
	for _, s := range states {
		SetGaugeVec(SystemDevice, MetricDeviceState, 0, s)
	}
	SetGaugeVec(SystemDevice, MetricDeviceState, 1, state)
}

func LaneDepth(lane string, depth int64) {
	SetGaugeVec(SystemQueue, MetricLaneDepth, float64(depth), lane)
}

func TaskDuration(seconds float64, taskType, outcome string) {
	AddHistogramVec(SystemTasks, MetricTaskDuration, seconds, taskType, outcome)
}
