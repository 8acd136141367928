package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Section is a bit set naming the parts of a Config that differ between
// two loads.
type Section uint16

const (
	SectionServer Section = 1 << iota
	SectionAdmin
	SectionUpstream
	SectionCredentials
	SectionCooldown
	SectionTools
	SectionTruncation
	SectionDebug
	SectionTracing
	SectionMetrics
)

// RestartRequired lists the sections a running gateway cannot apply
// in place.
const RestartRequired = SectionAdmin | SectionTracing | SectionMetrics

var sectionNames = []struct {
	s    Section
	name string
}{
	{SectionServer, "server"},
	{SectionAdmin, "admin"},
	{SectionUpstream, "upstream"},
	{SectionCredentials, "credentials"},
	{SectionCooldown, "cooldown"},
	{SectionTools, "tools"},
	{SectionTruncation, "truncation"},
	{SectionDebug, "debug"},
	{SectionTracing, "tracing"},
	{SectionMetrics, "metrics"},
}

// Has reports whether any bit of other is set in s.
func (s Section) Has(other Section) bool { return s&other != 0 }

func (s Section) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	for _, sn := range sectionNames {
		if s.Has(sn.s) {
			parts = append(parts, sn.name)
		}
	}
	return strings.Join(parts, ",")
}

// Diff returns the sections that differ between old and new. A nil old
// counts as different everywhere.
func Diff(old, new *Config) Section {
	if old == nil {
		var all Section
		for _, sn := range sectionNames {
			all |= sn.s
		}
		return all
	}
	var s Section
	mark := func(sec Section, a, b interface{}) {
		if !reflect.DeepEqual(a, b) {
			s |= sec
		}
	}
	mark(SectionServer, old.Server, new.Server)
	mark(SectionAdmin, old.Admin, new.Admin)
	mark(SectionUpstream, old.Upstream, new.Upstream)
	mark(SectionCredentials, old.Credentials, new.Credentials)
	mark(SectionCooldown, old.Cooldown, new.Cooldown)
	mark(SectionTools, old.Tools, new.Tools)
	mark(SectionTruncation, old.Truncation, new.Truncation)
	mark(SectionDebug, old.Debug, new.Debug)
	mark(SectionTracing, old.Tracing, new.Tracing)
	mark(SectionMetrics, old.Metrics, new.Metrics)
	return s
}

// OnReload receives the previously applied config, the new one and the
// sections that changed.
type OnReload func(old, new *Config, changed Section)

// reloadDebounce collapses the burst of events an editor save produces.
const reloadDebounce = 100 * time.Millisecond

// Watcher reloads the gateway config file when it changes on disk and
// hands the result to registered callbacks. Reloads that leave every
// section unchanged are dropped.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	filePath  string

	mu        sync.Mutex
	current   *Config
	callbacks []OnReload

	reloadMu  sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// Watch starts watching filePath. current is the config already applied to
// the gateway and becomes the baseline for the first Diff.
func Watch(filePath string, current *Config) (*Watcher, error) {
	if filePath == "" {
		return nil, errors.New("config watcher: file path must not be empty")
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("config watcher: resolving path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: creating fsnotify watcher: %w", err)
	}
	// The directory is watched so atomic saves (write and rename) are seen.
	dir := filepath.Dir(absPath)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config watcher: watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fsw,
		filePath:  absPath,
		current:   current,
		done:      make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// OnChange registers fn for future reloads.
func (w *Watcher) OnChange(fn OnReload) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Current returns the last config handed to the callbacks.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops the watcher. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
	})
	return err
}

func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.filePath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(reloadDebounce)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			if _, err := w.Reload(); err != nil {
				log.Error().Err(err).Str("path", w.filePath).Msg("config reload failed, keeping previous config")
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

// Reload loads the file now and runs the callbacks if any section changed.
// It returns the changed sections. On error the previous config stays in
// effect.
func (w *Watcher) Reload() (Section, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	next, err := Load(w.filePath)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	prev := w.current
	changed := Diff(prev, next)
	if changed == 0 {
		w.mu.Unlock()
		log.Debug().Str("path", w.filePath).Msg("config file touched without changes")
		return 0, nil
	}
	w.current = next
	cbs := make([]OnReload, len(w.callbacks))
	copy(cbs, w.callbacks)
	w.mu.Unlock()

	ev := log.Info().Str("path", w.filePath).Stringer("changed", changed)
	if restart := changed & RestartRequired; restart != 0 {
		ev = ev.Stringer("needs_restart", restart)
	}
	ev.Msg("config reloaded")

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("config reload callback panicked")
				}
			}()
			cb(prev, next, changed)
		}()
	}
	return changed, nil
}
