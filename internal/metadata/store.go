// Package metadata implements the backup document store (spec.md §4.2
// "Metadata Store (C3)"): the two-pass creating/created write protocol, and
// the id/prefix/LAST/{uuid} queries spec.md §4.2 requires.
package metadata

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chbackup/ch-backup/internal/model"
	"github.com/chbackup/ch-backup/internal/persist"
	"github.com/google/uuid"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/writeaheadlog"
)

const (
	documentFile = "metadata.json"
	walFile      = "metadata.wal"

	updateWriteDocument = "writeDocument"
)

// Store persists backup documents under root/<backup-id>/metadata.json,
// using a write-ahead log so a write interrupted mid-flight (process crash,
// power loss) is completed or cleanly rolled forward on the next open,
// never left torn (spec.md §8 "no torn writes").
type Store struct {
	root string
	wal  *writeaheadlog.WAL
	log  *persist.Logger
}

// writeDocumentPayload is the WAL update's JSON-encoded instructions.
type writeDocumentPayload struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// Open initializes a Store rooted at root, replaying any WAL transactions
// left behind by an interrupted previous run (mirrors
// modules/renter/persist.go's managedInitPersist: initialize the WAL,
// apply any unfinished transactions before anything else touches disk).
func Open(root string, log *persist.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, errors.AddContext(err, "could not create metadata root")
	}
	options := writeaheadlog.Options{
		StaticLog: log.Logger,
		Path:      filepath.Join(root, walFile),
	}
	txns, wal, err := writeaheadlog.NewWithOptions(options)
	if err != nil {
		return nil, errors.AddContext(err, "could not open metadata wal")
	}
	s := &Store{root: root, wal: wal, log: log}
	for _, txn := range txns {
		applied := true
		for _, u := range txn.Updates {
			if u.Name != updateWriteDocument {
				applied = false
				continue
			}
			if err := s.applyWriteDocument(u); err != nil {
				return nil, errors.AddContext(err, "could not replay pending metadata write")
			}
		}
		if applied {
			if err := txn.SignalUpdatesApplied(); err != nil {
				return nil, errors.AddContext(err, "could not signal replayed transaction applied")
			}
		}
	}
	return s, nil
}

// Close releases the underlying WAL.
func (s *Store) Close() error {
	return s.wal.Close()
}

func (s *Store) docPath(id string) string {
	return filepath.Join(s.root, id, documentFile)
}

func (s *Store) applyWriteDocument(u writeaheadlog.Update) error {
	var payload writeDocumentPayload
	if err := json.Unmarshal(u.Instructions, &payload); err != nil {
		return errors.AddContext(err, "could not decode wal update")
	}
	if err := os.MkdirAll(filepath.Dir(payload.Path), 0700); err != nil {
		return err
	}
	return ioutil.WriteFile(payload.Path, payload.Data, 0600)
}

// write runs a single-update WAL transaction around an atomic write of data
// to path, following the createAndApplyTransaction pattern from
// modules/renter/filesystem/uplodir/persistwal.go: create the transaction,
// signal setup complete (durably logging the intent), perform the write,
// then signal updates applied so the WAL can reclaim the slot.
func (s *Store) write(path string, data []byte) (err error) {
	payload, err := json.Marshal(writeDocumentPayload{Path: path, Data: data})
	if err != nil {
		return errors.AddContext(err, "could not encode wal update")
	}
	update := writeaheadlog.Update{Name: updateWriteDocument, Instructions: payload}

	txn, err := s.wal.NewTransaction([]writeaheadlog.Update{update})
	if err != nil {
		return errors.AddContext(err, "could not create wal transaction")
	}
	if err := <-txn.SignalSetupComplete(); err != nil {
		return errors.AddContext(err, "could not signal wal setup complete")
	}
	defer func() {
		if err != nil {
			s.log.Println("WARNING: metadata write failed after wal setup completed:", err)
		}
	}()
	if err := persist.SaveJSON(path, json.RawMessage(data)); err != nil {
		return errors.AddContext(err, "could not write document")
	}
	if err := txn.SignalUpdatesApplied(); err != nil {
		return errors.AddContext(err, "could not signal wal updates applied")
	}
	return nil
}

// WriteStub persists b's initial "creating" document: schema section only,
// no part catalog yet (spec.md §4.2 "written in at most two passes").
func (s *Store) WriteStub(b *model.Backup) error {
	b.State = model.StateCreating
	return s.writeDocument(b)
}

// WriteFinal persists b's terminal document (state created or failed) with
// the complete part catalog, replacing the stub written by WriteStub.
func (s *Store) WriteFinal(b *model.Backup) error {
	return s.writeDocument(b)
}

func (s *Store) writeDocument(b *model.Backup) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return errors.AddContext(err, "could not marshal backup document")
	}
	return s.write(s.docPath(b.ID), data)
}

// Load fetches the document for id. An unreadable or unparsable document is
// surfaced as a backup in StateFailed rather than an error, per spec.md §8
// ("unknown/torn documents are surfaced as failed").
func (s *Store) Load(id string) (*model.Backup, error) {
	var b model.Backup
	if err := persist.LoadJSON(s.docPath(id), &b); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Compose(model.ErrNotFound, errors.AddContext(err, id))
		}
		return &model.Backup{ID: id, State: model.StateFailed, FailReason: err.Error()}, nil
	}
	if b.ID == "" {
		b.ID = id
	}
	b.State = model.ParseBackupState(string(b.State))
	return &b, nil
}

// List returns every backup whose ID has prefix, ordered by StartTime
// descending (spec.md §4.2 "list by prefix ordered by start_time desc").
func (s *Store) List(prefix string) ([]*model.Backup, error) {
	entries, err := ioutil.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*model.Backup
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		b, err := s.Load(e.Name())
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Time.After(out[j].StartTime.Time)
	})
	return out, nil
}

// ResolveLast resolves the alias LAST to the most recently started backup
// in state created (spec.md §4.2 "resolve alias LAST").
func (s *Store) ResolveLast() (*model.Backup, error) {
	all, err := s.List("")
	if err != nil {
		return nil, err
	}
	for _, b := range all {
		if b.State == model.StateCreated {
			return b, nil
		}
	}
	return nil, errors.AddContext(model.ErrNotFound, "no created backup to resolve LAST against")
}

// ExpandID resolves a caller-supplied name into a concrete backup ID,
// expanding a literal "{uuid}" token into a freshly generated UUID and
// resolving "LAST" against the store (spec.md §3 "Backup record",
// §4.2 "resolve {uuid} in names at write time").
func (s *Store) ExpandID(name string) (string, error) {
	switch {
	case name == "LAST":
		b, err := s.ResolveLast()
		if err != nil {
			return "", err
		}
		return b.ID, nil
	case strings.Contains(name, "{uuid}"):
		return strings.ReplaceAll(name, "{uuid}", uuid.NewString()), nil
	default:
		return name, nil
	}
}

// Delete removes a backup document and its directory entirely. Callers in
// internal/lifecycle are responsible for first removing the artifacts the
// document's catalog references.
func (s *Store) Delete(id string) error {
	return os.RemoveAll(filepath.Join(s.root, id))
}
