package syslog

import "github.com/prometheus/client_golang/prometheus"

var linesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "conduit",
	Subsystem: "syslog",
	Name:      "lines_total",
	Help:      "Total lines received by a syslog-framed line listener.",
}, []string{"listener"})

func init() {
	prometheus.MustRegister(linesTotal)
}

// MeteredHandler wraps a Handler, counting every line received (labeled by
// listener name) before forwarding it unchanged to next.
type MeteredHandler struct {
	listener string
	next     Handler
}

// NewMeteredHandler wraps next so every line Handled against it is also
// counted under listener's label.
func NewMeteredHandler(listener string, next Handler) *MeteredHandler {
	return &MeteredHandler{listener: listener, next: next}
}

func (h *MeteredHandler) Handle(line string) {
	linesTotal.WithLabelValues(h.listener).Inc()
	if h.next != nil {
		h.next.Handle(line)
	}
}
