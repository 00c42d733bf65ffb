package notify

import (
	"context"

	"go.uber.org/multierr"

	"rocket-collections/internal/engine"
)

// Fanout delivers each event to every notifier, even when some fail.
type Fanout []engine.Notifier

func (f Fanout) Notify(ctx context.Context, event engine.ChangeEvent) error {
	var err error
	for _, n := range f {
		if n == nil {
			continue
		}
		err = multierr.Append(err, n.Notify(ctx, event))
	}
	return err
}
