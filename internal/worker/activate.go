package worker

import (
	"context"
)

// Activate deletes every cache store except the current generation's and
// then marks the worker activated. A store error leaves the worker
// installed so activation can be retried.
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return nil, err
	}

	deleted, err := w.deleteStaleStores(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("activation failed")
		w.setState(StateInstalled)
		return deleted, err
	}

	w.setState(StateActivated)
	w.logger.Info().Strs("deleted", deleted).Msg("activation complete")
	return deleted, nil
}

func (w *Worker) deleteStaleStores(ctx context.Context) ([]string, error) {
	names, err := w.storage.Names(ctx)
	if err != nil {
		w.metrics.storeError("names")
		return nil, &StoreError{Op: "names", Err: err}
	}

	deleted := []string{}
	for _, name := range names {
		if name == w.policy.Generation {
			continue
		}
		w.logger.Info().Str("store", name).Msg("deleting stale cache")
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.metrics.storeError("delete")
			return deleted, &StoreError{Op: "delete", Store: name, Err: err}
		}
		w.metrics.storeDeleted()
		deleted = append(deleted, name)
	}
	return deleted, nil
}
