// Package roster loads the bot credential list and watches it for edits, so
// instances can be added or retired without restarting the runner.
package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"gatewaybot/botd/internal/logging"
)

// Credential is one bot identity from the roster file.
type Credential struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// Dir returns the per-bot data directory under the runner's data root.
func (c Credential) Dir(dataDir string) string {
	return filepath.Join(dataDir, c.Name)
}

// Source supplies the current credential list.
type Source interface {
	Load() ([]Credential, error)
}

// FileSource reads credentials from a JSON array on disk.
type FileSource struct {
	Path string
}

// Load reads and validates the roster file. Names must be unique, non-empty
// and filesystem-safe since they double as directory names.
func (f FileSource) Load() ([]Credential, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	var creds []Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("decode roster %s: %w", f.Path, err)
	}

	seen := make(map[string]struct{}, len(creds))
	for i, cred := range creds {
		name := strings.TrimSpace(cred.Name)
		if name == "" {
			return nil, fmt.Errorf("roster entry %d has no name", i)
		}
		if strings.ContainsAny(name, "/\\") {
			return nil, fmt.Errorf("roster entry %q is not a valid directory name", name)
		}
		if strings.TrimSpace(cred.Key) == "" {
			return nil, fmt.Errorf("roster entry %q has no key", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("roster entry %q is duplicated", name)
		}
		seen[name] = struct{}{}
		creds[i].Name = name
	}
	return creds, nil
}

// Diff splits two roster snapshots into added, removed and changed entries.
// A changed key means the instance must be restarted with the new credential.
func Diff(old, new []Credential) (added, removed, changed []Credential) {
	prev := make(map[string]Credential, len(old))
	for _, cred := range old {
		prev[cred.Name] = cred
	}
	next := make(map[string]Credential, len(new))
	for _, cred := range new {
		next[cred.Name] = cred
		if before, ok := prev[cred.Name]; !ok {
			added = append(added, cred)
		} else if before.Key != cred.Key {
			changed = append(changed, cred)
		}
	}
	for _, cred := range old {
		if _, ok := next[cred.Name]; !ok {
			removed = append(removed, cred)
		}
	}
	return added, removed, changed
}

// Watch follows the roster file and invokes onChange with each freshly loaded
// snapshot. The parent directory is watched because editors replace files by
// rename. Events are debounced so a save that touches the file several times
// triggers one reload.
func Watch(ctx context.Context, path string, logger *logging.Logger, onChange func([]Credential)) error {
	if logger == nil {
		logger = logging.L()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			creds, err := FileSource{Path: path}.Load()
			if err != nil {
				logger.Warn("roster reload failed", logging.Error(err))
				continue
			}
			logger.Info("roster reloaded", logging.Int("bots", len(creds)))
			onChange(creds)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("roster watcher error", logging.Error(err))
		}
	}
}
