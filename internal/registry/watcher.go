package registry

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"maestro/internal/logging"
)

// ContractWatcher watches the contracts directory and atomically reloads
// the registry when contract files settle. A reload that fails validation
// keeps the previous contract set.
type ContractWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	registry    *Registry
	dir         string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	reloads       int
	failedReloads int
}

// NewContractWatcher creates a watcher over dir feeding reg.
func NewContractWatcher(dir string, reg *Registry) (*ContractWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ContractWatcher{
		watcher:     w,
		registry:    reg,
		dir:         dir,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the loop runs in a goroutine.
func (cw *ContractWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	if cw.running {
		cw.mu.Unlock()
		return nil
	}
	cw.running = true
	cw.mu.Unlock()

	if err := cw.watcher.Add(cw.dir); err != nil {
		logging.RegistryWarn("contract watcher: initial watch of %s failed: %v", cw.dir, err)
	} else {
		logging.Registry("contract watcher: watching %s", cw.dir)
	}

	go cw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (cw *ContractWatcher) Stop() {
	cw.mu.Lock()
	if !cw.running {
		cw.mu.Unlock()
		return
	}
	cw.running = false
	cw.mu.Unlock()

	close(cw.stopCh)
	<-cw.doneCh

	if err := cw.watcher.Close(); err != nil {
		logging.RegistryError("contract watcher: close failed: %v", err)
	}
	logging.Registry("contract watcher: stopped")
}

// Reloads returns how many reloads succeeded and how many failed.
func (cw *ContractWatcher) Reloads() (ok, failed int) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.reloads, cw.failedReloads
}

func (cw *ContractWatcher) run(ctx context.Context) {
	defer close(cw.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopCh:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			cw.handleEvent(event)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logging.RegistryError("contract watcher error: %v", err)
		case <-ticker.C:
			cw.processSettled()
		}
	}
}

func (cw *ContractWatcher) handleEvent(event fsnotify.Event) {
	ext := filepath.Ext(event.Name)
	if ext != ".yaml" && ext != ".yml" {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return // ignore chmod
	}
	logging.RegistryDebug("contract watcher: %s changed (%s)", event.Name, event.Op)

	cw.mu.Lock()
	cw.debounceMap[event.Name] = time.Now()
	cw.mu.Unlock()
}

// processSettled reloads the whole directory once all pending file events
// are past the debounce window. Contracts cross-reference by name, so a
// partial reload of individual files could index an inconsistent set.
func (cw *ContractWatcher) processSettled() {
	cw.mu.Lock()
	now := time.Now()
	settled := false
	for path, at := range cw.debounceMap {
		if now.Sub(at) >= cw.debounceDur {
			delete(cw.debounceMap, path)
			settled = true
		} else {
			// Something is still bouncing; wait for the full set.
			cw.mu.Unlock()
			return
		}
	}
	cw.mu.Unlock()

	if !settled {
		return
	}
	cw.reload()
}

func (cw *ContractWatcher) reload() {
	contracts, err := LoadDir(cw.dir)
	if err == nil {
		err = cw.registry.Replace(contracts)
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()
	if err != nil {
		cw.failedReloads++
		logging.RegistryError("contract reload failed, keeping previous set: %v", err)
		return
	}
	cw.reloads++
	logging.Registry("contract reload complete: %d contracts", len(contracts))
}
