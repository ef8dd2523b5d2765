// Package events wires the configured announce bus implementation.
package events

import (
	"fmt"
	"strings"

	"github.com/companionhq/companion/internal/common/config"
	"github.com/companionhq/companion/internal/common/logger"
	"github.com/companionhq/companion/internal/events/bus"
)

// Announce bus subjects.
const (
	SubjectSessionCreated  = "session.created"
	SubjectSessionArchived = "session.archived"
	SubjectSessionDeleted  = "session.deleted"
	SubjectSessionAll      = "session.>"
)

// ProgressSubject returns the pipeline progress subject for a session.
func ProgressSubject(sessionID string) string {
	return "session." + sessionID + ".progress"
}

// Provide builds the configured announce bus implementation.
// An empty NATS URL selects the in-memory bus.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
