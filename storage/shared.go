package storage

import (
	"sync"

	"github.com/vaultroom/vaultroom/config"
)

// The storage client is a process-wide singleton shared by every room:
// lazily constructed on first use, torn down once via CloseShared during the
// shutdown drain.
var (
	sharedMu  sync.Mutex
	shared    Store
	sharedErr error
)

// Shared returns the process-wide store, constructing it from cfg on first
// call. Later calls ignore cfg.
func Shared(cfg *config.Config) (Store, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared != nil || sharedErr != nil {
		return shared, sharedErr
	}

	var notifier Notifier
	switch cfg.StorageConfig.Notifier {
	case config.NotifierNATS:
		notifier, sharedErr = NewNATSNotifier(cfg.StorageConfig.NatsURL)
		if sharedErr != nil {
			return nil, sharedErr
		}
	default:
		notifier = NewLocalNotifier()
	}
	shared, sharedErr = NewMultiStore(cfg.StorageConfig.Instances, cfg.StorageConfig.LocalIndex, notifier)
	return shared, sharedErr
}

// CloseShared closes the singleton if it was ever constructed.
func CloseShared() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		return nil
	}
	err := shared.Close()
	shared = nil
	sharedErr = nil
	return err
}
