package network

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/agentmesh/agentmesh/pkg/protocol"
	"github.com/agentmesh/agentmesh/pkg/transport"
)

const modInboxSize = 1024

type modDelivery struct {
	sender *transport.Peer
	env    *protocol.Envelope
}

// modHost serializes envelope delivery for one mod instance. Each mod gets
// its own inbox goroutine, so a slow mod never stalls the others.
type modHost struct {
	mod   Mod
	net   *Network
	inbox chan modDelivery
	done  chan struct{}
	log   *log.Entry
}

func newModHost(net *Network, mod Mod) *modHost {
	return &modHost{
		mod:   mod,
		net:   net,
		inbox: make(chan modDelivery, modInboxSize),
		done:  make(chan struct{}),
		log:   log.WithFields(log.Fields{"component": "modhost", "mod": mod.Name()}),
	}
}

func (h *modHost) start() {
	go h.run()
}

func (h *modHost) run() {
	defer close(h.done)
	for delivery := range h.inbox {
		started := time.Now()
		err := h.mod.OnEnvelope(delivery.sender, delivery.env)
		modHandleLatency.WithLabelValues(h.mod.Name()).
			Observe(float64(time.Since(started).Microseconds()) / 1000)
		if err != nil {
			h.log.Debugf("envelope %d failed: %s", delivery.env.MessageID, err)
			h.net.sendModError(delivery.sender, h.mod.Name(), delivery.env, err)
		}
	}
}

// deliver enqueues one envelope; a saturated inbox pushes back on the
// sender instead of blocking the dispatch path.
func (h *modHost) deliver(sender *transport.Peer, env *protocol.Envelope) error {
	select {
	case h.inbox <- modDelivery{sender: sender, env: env}:
		return nil
	default:
		return protocol.Errorf(protocol.ErrBackpressure,
			"mod %q inbox is full", h.mod.Name())
	}
}

// stop closes the inbox and waits for in-flight handling, up to the drain
// window.
func (h *modHost) stop(drain time.Duration) {
	close(h.inbox)
	select {
	case <-h.done:
	case <-time.After(drain):
		h.log.Warnf("mod did not drain within %s", drain)
	}
}
