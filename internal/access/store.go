package access

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ruleFile is the on-disk layout of the access-rule store.
type ruleFile struct {
	SMTPNoAuth       []Rule   `json:"smtp_no_auth"`
	SMTPAuthRequired []Rule   `json:"smtp_auth_required"`
	Management       []Rule   `json:"management_allowed"`
	Blacklist        []Rule   `json:"blacklist"`
	Settings         Settings `json:"settings"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (f *ruleFile) list(cat Category, sub Subcategory) *[]Rule {
	switch {
	case cat == CategorySMTP && sub == SubcategoryNoAuth:
		return &f.SMTPNoAuth
	case cat == CategorySMTP && sub == SubcategoryAuthRequired:
		return &f.SMTPAuthRequired
	case cat == CategoryManagement && sub == SubcategoryAllowed:
		return &f.Management
	case cat == CategoryBlacklist && sub == SubcategoryGlobal:
		return &f.Blacklist
	}
	return nil
}

// lockTimeout bounds how long a mutation waits for the store lock before
// giving up; lock files older than lockStale are treated as leftovers from a
// crashed process and removed.
const (
	lockTimeout  = 5 * time.Second
	lockRetry    = 25 * time.Millisecond
	lockStale    = 30 * time.Second
	storeFileMod = 0o600
)

// fileStore persists the rule file with an exclusive lock file guarding
// mutations. Writes go through a temp file and an atomic rename so a reader
// never observes a partially written rule set.
type fileStore struct {
	path string
}

func newFileStore(path string) (*fileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &fileStore{path: path}, nil
}

func (s *fileStore) lockPath() string { return s.path + ".lock" }

// acquireLock takes the store lock, waiting up to lockTimeout.
func (s *fileStore) acquireLock() error {
	deadline := time.Now().Add(lockTimeout)
	for {
		f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, storeFileMod)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return nil
		}
		if info, statErr := os.Stat(s.lockPath()); statErr == nil && time.Since(info.ModTime()) > lockStale {
			os.Remove(s.lockPath())
			continue
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("access store lock held too long: %w", err)
		}
		time.Sleep(lockRetry)
	}
}

func (s *fileStore) releaseLock() {
	os.Remove(s.lockPath())
}

// load reads the current rule file, returning an empty one if it does not
// exist yet.
func (s *fileStore) load() (*ruleFile, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &ruleFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read access store: %w", err)
	}
	var f ruleFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse access store: %w", err)
	}
	return &f, nil
}

// save durably persists the rule file: temp file, fsync, rename.
func (s *fileStore) save(f *ruleFile) error {
	f.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode access store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".access-*")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace access store: %w", err)
	}
	return nil
}

// AuditRecord is one append-only entry describing a rule or settings
// mutation.
type AuditRecord struct {
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	Category    string    `json:"category"`
	Subcategory string    `json:"subcategory"`
	Value       string    `json:"value"`
	Actor       string    `json:"actor"`
	Timestamp   time.Time `json:"timestamp"`
}

// auditLog appends line-delimited JSON records to a file, rotating it when
// it crosses maxBytes and keeping a bounded number of old generations.
type auditLog struct {
	path     string
	maxBytes int64
	keep     int
}

func newAuditLog(path string, maxBytes int64, keep int) *auditLog {
	if maxBytes <= 0 {
		maxBytes = 5 * 1024 * 1024
	}
	if keep <= 0 {
		keep = 3
	}
	return &auditLog{path: path, maxBytes: maxBytes, keep: keep}
}

// append writes one record and returns its generated id.
func (a *auditLog) append(rec AuditRecord) (string, error) {
	rec.ID = uuid.NewString()
	rec.Timestamp = time.Now().UTC()

	if err := a.rotateIfNeeded(); err != nil {
		return rec.ID, err
	}

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, storeFileMod)
	if err != nil {
		return rec.ID, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return rec.ID, err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return rec.ID, fmt.Errorf("append audit record: %w", err)
	}
	return rec.ID, nil
}

func (a *auditLog) rotateIfNeeded() error {
	info, err := os.Stat(a.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() < a.maxBytes {
		return nil
	}

	os.Remove(fmt.Sprintf("%s.%d", a.path, a.keep))
	for i := a.keep - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", a.path, i), fmt.Sprintf("%s.%d", a.path, i+1))
	}
	return os.Rename(a.path, a.path+".1")
}

// records reads back every retained audit record, oldest first.
func (a *auditLog) records() ([]AuditRecord, error) {
	var all []AuditRecord
	for i := a.keep; i >= 0; i-- {
		path := a.path
		if i > 0 {
			path = fmt.Sprintf("%s.%d", a.path, i)
		}
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		for dec.More() {
			var rec AuditRecord
			if err := dec.Decode(&rec); err != nil {
				break
			}
			all = append(all, rec)
		}
	}
	return all, nil
}
