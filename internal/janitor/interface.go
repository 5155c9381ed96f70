package janitor

import (
	"context"

	"github.com/mattjoyce/platformd/internal/instance"
)

//go:generate mockgen -destination=mocks/mock_janitor.go -package=mocks github.com/mattjoyce/platformd/internal/janitor SessionLister

// SessionLister reports which client sessions are still connected.
type SessionLister interface {
	LiveSessions(ctx context.Context) ([]string, error)
}

// InstanceSource lists the instances a sweep looks at.
type InstanceSource interface {
	Instances() []*instance.Instance
}
