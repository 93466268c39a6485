package cmd

import (
	"log/slog"

	"github.com/postlane/postlane/pkg/executor"
	"github.com/postlane/postlane/pkg/protocol"
	"github.com/postlane/postlane/pkg/steps/addtag"
	"github.com/postlane/postlane/pkg/steps/delay"
	"github.com/postlane/postlane/pkg/steps/sendemail"
)

// NewStepRegistry registers the built-in step kinds around the given
// capabilities. The contact repository satisfies the mutator contract
// directly, so workers without an external contact service pass it here.
func NewStepRegistry(logger *slog.Logger, mailer protocol.Mailer, contacts protocol.ContactMutator) *executor.Registry {
	registry := executor.NewRegistry(logger)

	registry.Register(sendemail.NewHandlerFactory(mailer))
	registry.Register(delay.NewHandlerFactory())
	registry.Register(addtag.NewHandlerFactory(contacts))

	return registry
}
