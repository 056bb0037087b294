package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tunnelHandshakes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "proxywahl_tunnel_handshakes_total",
	Help: "SOCKS5 tunnel handshake attempts against upstream proxies, by result.",
}, []string{"result"})
