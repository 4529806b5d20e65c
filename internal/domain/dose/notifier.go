package dose

import "context"

// Notifier publishes dose events. Implementations receive the transactional
// context of the status change that raised the event.
type Notifier interface {
	Publish(ctx context.Context, kind EventKind, event *Event) error
}

// PublishChanges hands every uncommitted event of rec to n and clears them.
func PublishChanges(ctx context.Context, n Notifier, rec *Record) error {
	for _, event := range rec.Changes() {
		if err := n.Publish(ctx, event.Kind, event); err != nil {
			return err
		}
	}
	rec.ClearChanges()
	return nil
}
