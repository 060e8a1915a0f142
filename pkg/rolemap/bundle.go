package rolemap

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/fedgate/pkg/observability"
)

// bundleFile is the on-disk shape of a preset bundle file: named bundles,
// each a list of mapping templates without tenant or id.
type bundleFile struct {
	Bundles []struct {
		Name     string          `yaml:"name"`
		Mappings []bundleMapping `yaml:"mappings"`
	} `yaml:"bundles"`
}

type bundleMapping struct {
	Name              string   `yaml:"name"`
	SourceType        string   `yaml:"source_type"`
	SourceAttribute   string   `yaml:"source_attribute"`
	SourceValue       string   `yaml:"source_value"`
	SourcePattern     string   `yaml:"source_pattern"`
	TargetRole        string   `yaml:"target_role"`
	TargetPermissions []string `yaml:"target_permissions"`
	Priority          int      `yaml:"priority"`
}

// BundleWatcher serves preset bundles from a YAML file and reloads it when
// the file changes, so operators can ship new provider presets without a
// restart.
type BundleWatcher struct {
	path    string
	log     *observability.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	bundles map[string][]Mapping

	closeOnce sync.Once
	done      chan struct{}
}

// NewBundleWatcher loads the bundle file and starts watching its directory
// for changes. The initial load must succeed; later reload failures keep
// the previous bundles and are logged.
func NewBundleWatcher(path string, log *observability.Logger) (*BundleWatcher, error) {
	bw := &BundleWatcher{
		path: path,
		log:  log,
		done: make(chan struct{}),
	}

	if err := bw.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create bundle watcher: %w", err)
	}
	// Watch the directory, not the file: editors and config mounts replace
	// the file instead of writing it in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch bundle directory: %w", err)
	}
	bw.watcher = watcher

	go bw.watch()
	return bw, nil
}

// Bundle returns a copy of a named bundle's mapping templates.
func (bw *BundleWatcher) Bundle(name string) ([]Mapping, bool) {
	bw.mu.RLock()
	defer bw.mu.RUnlock()

	bundle, ok := bw.bundles[name]
	if !ok {
		return nil, false
	}
	out := make([]Mapping, len(bundle))
	copy(out, bundle)
	return out, true
}

// BundleNames lists the currently loaded bundle names.
func (bw *BundleWatcher) BundleNames() []string {
	bw.mu.RLock()
	defer bw.mu.RUnlock()

	names := make([]string, 0, len(bw.bundles))
	for name := range bw.bundles {
		names = append(names, name)
	}
	return names
}

// Close stops the file watcher.
func (bw *BundleWatcher) Close() error {
	var err error
	bw.closeOnce.Do(func() {
		close(bw.done)
		if bw.watcher != nil {
			err = bw.watcher.Close()
		}
	})
	return err
}

func (bw *BundleWatcher) load() error {
	data, err := os.ReadFile(bw.path)
	if err != nil {
		return fmt.Errorf("failed to read bundle file: %w", err)
	}

	var file bundleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse bundle file: %w", err)
	}

	bundles := make(map[string][]Mapping, len(file.Bundles))
	for _, b := range file.Bundles {
		if b.Name == "" {
			return fmt.Errorf("bundle without a name in %s", bw.path)
		}
		mappings := make([]Mapping, 0, len(b.Mappings))
		for _, bm := range b.Mappings {
			m := Mapping{
				Name:              bm.Name,
				SourceType:        SourceType(bm.SourceType),
				SourceAttribute:   bm.SourceAttribute,
				SourceValue:       bm.SourceValue,
				SourcePattern:     bm.SourcePattern,
				TargetRole:        bm.TargetRole,
				TargetPermissions: bm.TargetPermissions,
				Priority:          bm.Priority,
				Enabled:           true,
			}
			// Validate with a placeholder tenant; templates have none yet.
			check := m
			check.TenantID = "-"
			if err := check.Validate(); err != nil {
				return fmt.Errorf("invalid mapping %q in bundle %q: %w", bm.Name, b.Name, err)
			}
			mappings = append(mappings, m)
		}
		bundles[b.Name] = mappings
	}

	bw.mu.Lock()
	bw.bundles = bundles
	bw.mu.Unlock()
	return nil
}

func (bw *BundleWatcher) watch() {
	for {
		select {
		case <-bw.done:
			return
		case event, ok := <-bw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(bw.path) {
				continue
			}
			if err := bw.load(); err != nil {
				if bw.log != nil {
					bw.log.WithError(err).Warn("failed to reload mapping preset bundles")
				}
				continue
			}
			if bw.log != nil {
				bw.log.WithField("path", bw.path).Info("reloaded mapping preset bundles")
			}
		case err, ok := <-bw.watcher.Errors:
			if !ok {
				return
			}
			if bw.log != nil {
				bw.log.WithError(err).Warn("mapping preset bundle watcher error")
			}
		}
	}
}
