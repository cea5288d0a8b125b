package registry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"GoSniffy/pkg/meta"

	"gopkg.in/yaml.v3"
)

// Record is the persisted form of an Entry.
type Record struct {
	Kind       string `yaml:"kind"`
	Target     string `yaml:"target,omitempty"`
	URL        string `yaml:"url,omitempty"`
	Principal  string `yaml:"principal,omitempty"`
	Status     string `yaml:"status"`
	Discovered bool   `yaml:"discovered,omitempty"`
}

// Document is the persisted registry file.
type Document struct {
	Persistent bool     `yaml:"persistent"`
	Entries    []Record `yaml:"entries"`
}

// ToRecord converts an entry to its persisted form.
func ToRecord(e Entry) Record {
	rec := Record{
		Kind:       e.Target.Kind.String(),
		Status:     e.Status.String(),
		Discovered: e.Discovered,
	}
	if e.Target.Kind == meta.KindDataSource {
		rec.URL = e.Target.URL
		rec.Principal = e.Target.Principal
	} else {
		rec.Target = e.Target.String()
	}
	return rec
}

// FromRecord parses a persisted entry.
func FromRecord(rec Record) (Entry, error) {
	kind, err := meta.ParseKind(rec.Kind)
	if err != nil {
		return Entry{}, err
	}
	status, err := ParseStatus(rec.Status)
	if err != nil {
		return Entry{}, err
	}
	var target meta.Target
	if kind == meta.KindDataSource {
		target = meta.DataSourceTarget(rec.URL, rec.Principal)
	} else if target, err = meta.ParseTarget(rec.Target); err != nil {
		return Entry{}, err
	}
	return Entry{Target: target, Status: status, Discovered: rec.Discovered}, nil
}

// Save writes the global table as YAML.
func (r *Registry) Save(w io.Writer, persistent bool) error {
	doc := Document{Persistent: persistent}
	for _, e := range r.global.list() {
		doc.Entries = append(doc.Entries, ToRecord(e))
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}
	return enc.Close()
}

// Load replaces the global table with the YAML document read from rd and
// reports whether the document asked for persistence.
func (r *Registry) Load(rd io.Reader) (bool, error) {
	var doc Document
	if err := yaml.NewDecoder(rd).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			r.Restore(nil)
			return false, nil
		}
		return false, fmt.Errorf("failed to decode registry: %w", err)
	}
	entries := make([]Entry, 0, len(doc.Entries))
	for i, rec := range doc.Entries {
		e, err := FromRecord(rec)
		if err != nil {
			return false, fmt.Errorf("invalid registry entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	r.Restore(entries)
	return doc.Persistent, nil
}

// FileStore persists the global table of a registry to one YAML file.
type FileStore struct {
	path       string
	persistent bool
	logger     *slog.Logger
	mu         sync.Mutex

	dirty     chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewFileStore creates a store. With persistent set, Attach saves the file
// after every global change.
func NewFileStore(path string, persistent bool, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, persistent: persistent, logger: logger}
}

// LoadInto restores r from the file. A missing file is not an error.
func (f *FileStore) LoadInto(r *Registry) error {
	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open registry file: %w", err)
	}
	defer file.Close()

	persistent, err := r.Load(file)
	if err != nil {
		return err
	}
	if persistent {
		f.persistent = true
	}
	f.logger.Info("registry loaded", "path", f.path, "entries", len(r.global.list()))
	return nil
}

// Save writes r atomically through a temporary file.
func (f *FileStore) Save(r *Registry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".registry-*")
	if err != nil {
		return fmt.Errorf("failed to create registry file: %w", err)
	}
	if err := r.Save(tmp, f.persistent); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close registry file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace registry file: %w", err)
	}
	return nil
}

// Attach saves the file after changes to the global table when the store is
// persistent. Overlay changes are never persisted. Saves run on a background
// goroutine and a burst of changes is written once; Close flushes the last
// pending change.
func (f *FileStore) Attach(r *Registry) {
	f.dirty = make(chan struct{}, 1)
	f.stop = make(chan struct{})
	f.done = make(chan struct{})
	go f.run(r)

	r.OnChange(func(c Change) {
		if c.ScopeID != 0 || !f.persistent {
			return
		}
		select {
		case f.dirty <- struct{}{}:
		default:
		}
	})
}

func (f *FileStore) run(r *Registry) {
	defer close(f.done)
	for {
		select {
		case <-f.dirty:
			f.persist(r)
		case <-f.stop:
			select {
			case <-f.dirty:
				f.persist(r)
			default:
			}
			return
		}
	}
}

func (f *FileStore) persist(r *Registry) {
	if err := f.Save(r); err != nil {
		f.logger.Error("failed to persist registry", "path", f.path, "error", err)
	}
}

// Close stops the background saver after writing any pending change.
func (f *FileStore) Close() {
	if f.stop == nil {
		return
	}
	f.closeOnce.Do(func() { close(f.stop) })
	<-f.done
}
