// Package events wires the event relay for the daemon.
package events

import (
	"fmt"
	"strings"

	"github.com/codesdk/codesdk/internal/common/config"
	"github.com/codesdk/codesdk/internal/common/logger"
	"github.com/codesdk/codesdk/internal/events/bus"
)

// ProvidedBus wraps the active bus implementation.
type ProvidedBus struct {
	Bus    bus.Bus
	Memory *bus.MemoryBus
	NATS   *bus.NATSBus
}

// Provide builds the configured bus. An empty NATS URL selects the in-memory
// bus; a non-empty URL connects to NATS so external consumers can follow
// events.<session_id> subjects.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryBus(log)
	return &ProvidedBus{Bus: memBus, Memory: memBus}, func() error { return nil }, nil
}
