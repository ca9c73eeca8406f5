package pipeline

import "github.com/joeycumines/logiface"

type (
	// Option configures an Ordered or Parallel pipeline at construction.
	Option func(c *config)

	config struct {
		logger *logiface.Logger[logiface.Event]
	}
)

// WithLogger sets the logger. A nil logger (the default) disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(c *config) { c.logger = logger }
}
