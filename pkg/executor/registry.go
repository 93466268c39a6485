package executor

import (
	"fmt"
	"log/slog"

	"github.com/postlane/postlane/pkg/models"
	"github.com/postlane/postlane/pkg/protocol"
)

// Registry maps step kinds to handler factories. New step kinds plug in here
// without touching the executor's transition logic.
type Registry struct {
	logger    *slog.Logger
	factories map[models.StepKind]protocol.StepHandlerFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		factories: make(map[models.StepKind]protocol.StepHandlerFactory),
	}
}

func (r *Registry) Register(factory protocol.StepHandlerFactory) {
	r.factories[factory.Kind()] = factory
}

// CreateHandler builds a handler for the step kind, or errors for kinds never
// registered.
func (r *Registry) CreateHandler(kind models.StepKind) (protocol.StepHandler, error) {
	factory, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("step kind %q not registered", kind)
	}

	return factory.Create(r.logger)
}
