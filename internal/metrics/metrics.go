// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SwitchPacketsTotal counts packets admitted per ingress port
	SwitchPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strix_switch_packets_total",
			Help: "Total number of packets admitted to the switch",
		},
		[]string{"port"},
	)

	// SwitchBytesTotal counts frame bytes admitted per ingress port
	SwitchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strix_switch_bytes_total",
			Help: "Total number of frame bytes admitted to the switch",
		},
		[]string{"port"},
	)

	// SwitchDropsTotal counts dropped packets by drop reason
	SwitchDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strix_switch_drops_total",
			Help: "Total number of packets dropped, by reason",
		},
		[]string{"reason"},
	)

	// SwitchDeliveredTotal counts successful port deliveries
	SwitchDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strix_switch_delivered_total",
			Help: "Total number of successful per-port packet deliveries",
		},
	)

	// EgressFramesTotal counts frames finalized to a port's transport
	EgressFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strix_port_egress_frames_total",
			Help: "Total number of frames written out per port",
		},
		[]string{"port"},
	)

	// RouterForwardsTotal counts gateway-forwarded packets
	RouterForwardsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strix_router_forwards_total",
			Help: "Total number of packets forwarded by the router",
		},
	)

	// RouterICMPTotal counts originated ICMP errors by kind
	RouterICMPTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strix_router_icmp_total",
			Help: "Total number of ICMP errors originated by the router",
		},
		[]string{"kind"},
	)

	// ArpQueriesTotal counts ARP who-has queries sent
	ArpQueriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strix_arp_queries_total",
			Help: "Total number of ARP queries sent",
		},
	)

	// DeferOccupancy tracks packets parked awaiting ARP resolution
	DeferOccupancy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strix_defer_occupancy",
			Help: "Number of packets currently awaiting next-hop resolution",
		},
	)

	// DeferRetriesTotal counts ARP retry rounds for deferred packets
	DeferRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strix_defer_retries_total",
			Help: "Total number of retry rounds for deferred packets",
		},
	)

	// PoolInUse tracks checked-out packet buffers
	PoolInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strix_pool_in_use",
			Help: "Number of packet buffers currently checked out",
		},
	)
)
