package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"

	"medwatch/internal/medicine"
	logx "medwatch/pkg/logx"
)

// File reads medicines from a JSON or YAML file and keeps the last good
// snapshot when a reload fails.
type File struct {
	path string
	log  logx.Logger

	mu     sync.RWMutex
	meds   []medicine.Medicine
	loaded bool
}

func NewFile(path string, log logx.Logger) *File {
	return &File{path: path, log: log.With(logx.Component("source.file"))}
}

func (f *File) Snapshot(ctx context.Context) ([]medicine.Medicine, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.loaded {
		return nil, ErrNotReady
	}
	return append([]medicine.Medicine(nil), f.meds...), nil
}

// Load (re)reads the file.
func (f *File) Load() error {
	if strings.TrimSpace(f.path) == "" {
		return errors.New("source.path is empty")
	}
	b, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	meds, skipped, err := Decode(b, filepath.Ext(f.path))
	if err != nil {
		return fmt.Errorf("%s: %w", f.path, err)
	}
	for _, e := range skipped {
		f.log.Warn("medicine record skipped", logx.String("path", f.path), logx.Err(e))
	}
	f.mu.Lock()
	f.meds = meds
	f.loaded = true
	f.mu.Unlock()
	f.log.Debug("medicines loaded", logx.Int("count", len(meds)))
	return nil
}

// Decode parses a medicines document: either a bare list or {medicines: [...]}.
// ext selects YAML for ".yaml"/".yml"; anything else is JSON.
//
// A record that does not decode is left out and reported in skipped, so one
// bad entry never hides the rest. err is set only when the document itself
// cannot be read.
func Decode(b []byte, ext string) (meds []medicine.Medicine, skipped []error, err error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, nil, nil
	}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal(b, &v); err != nil {
			return nil, nil, err
		}
		if b, err = json.Marshal(v); err != nil {
			return nil, nil, err
		}
	}

	var raw []json.RawMessage
	if b[0] == '[' {
		err = json.Unmarshal(b, &raw)
	} else {
		var doc struct {
			Medicines []json.RawMessage `json:"medicines"`
		}
		err = json.Unmarshal(b, &doc)
		raw = doc.Medicines
	}
	if err != nil {
		return nil, nil, err
	}

	meds = make([]medicine.Medicine, 0, len(raw))
	for i, r := range raw {
		var m medicine.Medicine
		if err := json.Unmarshal(r, &m); err != nil {
			skipped = append(skipped, fmt.Errorf("record %d: %w", i+1, err))
			continue
		}
		meds = append(meds, m)
	}
	return meds, skipped, nil
}

// Watch reloads the file on change until ctx is done. Events are debounced
// because editors often write through a rename plus several writes.
func (f *File) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory so atomic renames are observed.
	dir := filepath.Dir(f.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	name := filepath.Clean(f.path)

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("source watcher closed")
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(250 * time.Millisecond)
			} else {
				timer.Reset(250 * time.Millisecond)
			}
			timerCh = timer.C
		case <-timerCh:
			timerCh = nil
			if err := f.Load(); err != nil {
				f.log.Warn("medicines reload failed, keeping previous snapshot", logx.Err(err))
				continue
			}
			f.log.Info("medicines reloaded", logx.String("path", f.path))
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("source watcher closed")
			}
			f.log.Warn("source watcher error", logx.Err(err))
		}
	}
}
