package config

import (
	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config whenever the file is rewritten and hands the new
// value to onReload. Parse failures are skipped so a half-saved file never
// clobbers a running process. Returns a stop function.
func Watch(path string, onReload func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					if cfg, err := LoadConfig(path); err == nil {
						onReload(cfg)
					}
				}
			case <-watcher.Errors:
				return
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
