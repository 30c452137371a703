package corpus

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrUnknownIdentity means no corpus directory exists for the identity.
	ErrUnknownIdentity = errors.New("unknown identity")

	// ErrCorruptImage means an image could not be decoded.
	ErrCorruptImage = errors.New("corrupt image")

	// ErrIdentityExists means the corpus directory is already present.
	ErrIdentityExists = errors.New("identity already exists")
)

// representationsFile is the cached derived-representations artifact the
// matcher keeps alongside the corpus. It must be deleted whenever the corpus
// changes or the matcher would keep answering from stale state.
const representationsFile = "representations.cache"

// Manager maintains one reference-image directory per enrolled identity,
// named "{first} {last}" under a single root. All mutating sequences on one
// identity run under a per-identity lock; different identities proceed in
// parallel.
type Manager struct {
	root       string
	hashSize   int
	similarity int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// DedupReport summarizes one duplicate scan.
type DedupReport struct {
	Removed        int   `json:"removed"`
	BytesReclaimed int64 `json:"bytes_reclaimed"`
}

// NewManager creates a manager rooted at root. hashSize and similarity fall
// back to 8 and 80 when out of range.
func NewManager(root string, hashSize, similarity int) *Manager {
	if hashSize <= 0 {
		hashSize = 8
	}
	if similarity <= 0 || similarity > 100 {
		similarity = 80
	}
	return &Manager{
		root:       root,
		hashSize:   hashSize,
		similarity: similarity,
		locks:      make(map[string]*sync.Mutex),
	}
}

// Root returns the corpus root directory.
func (m *Manager) Root() string { return m.root }

// DirName returns the corpus directory name for an identity.
func DirName(firstName, lastName string) string {
	return firstName + " " + lastName
}

func (m *Manager) identityDir(firstName, lastName string) string {
	return filepath.Join(m.root, DirName(firstName, lastName))
}

// lock returns the mutex guarding one identity's directory.
func (m *Manager) lock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// CreateIdentity makes the corpus directory for a new identity.
func (m *Manager) CreateIdentity(firstName, lastName string) error {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return fmt.Errorf("create corpus root: %w", err)
	}
	dir := m.identityDir(firstName, lastName)
	if _, err := os.Stat(dir); err == nil {
		return ErrIdentityExists
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	return nil
}

// DeleteIdentity removes an identity's directory and all reference images.
func (m *Manager) DeleteIdentity(firstName, lastName string) error {
	name := DirName(firstName, lastName)
	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	dir := m.identityDir(firstName, lastName)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ErrUnknownIdentity
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete identity dir: %w", err)
	}
	m.invalidateCache()
	return nil
}

// List returns the enrolled identity names (one per subdirectory).
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Enroll writes a reference image into the identity's directory under a
// collision-free derived name and invalidates the representations cache.
// The written file is removed again if anything after the write fails.
func (m *Manager) Enroll(firstName, lastName string, imageData []byte, ext string) (string, error) {
	if _, err := ComputeHash(imageData, m.hashSize); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptImage, err)
	}

	name := DirName(firstName, lastName)
	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	dir := m.identityDir(firstName, lastName)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return "", ErrUnknownIdentity
	}

	path := filepath.Join(dir, uuid.NewString()+ext)
	if err := os.WriteFile(path, imageData, 0o644); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write reference image: %w", err)
	}
	m.invalidateCache()
	return path, nil
}

// Remove deletes one reference image previously written by Enroll and
// invalidates the representations cache. A file that is already gone is not
// an error.
func (m *Manager) Remove(firstName, lastName, path string) error {
	name := DirName(firstName, lastName)
	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	if filepath.Dir(path) != m.identityDir(firstName, lastName) {
		return fmt.Errorf("path %s is outside the identity's directory", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove reference image: %w", err)
	}
	m.invalidateCache()
	return nil
}

// FindDuplicates hashes every image in the identity's directory and deletes
// any image whose hash exactly collides with an already-seen one. Unreadable
// images are skipped and the scan continues.
func (m *Manager) FindDuplicates(firstName, lastName string) (DedupReport, error) {
	name := DirName(firstName, lastName)
	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	dir := m.identityDir(firstName, lastName)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return DedupReport{}, ErrUnknownIdentity
	}
	if err != nil {
		return DedupReport{}, err
	}

	var report DedupReport
	seen := make([]Hash, 0, len(entries))
	removedAny := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("corpus: skipping unreadable file %s: %v", path, err)
			continue
		}
		h, err := ComputeHash(data, m.hashSize)
		if err != nil {
			log.Printf("corpus: skipping corrupt image %s: %v", path, err)
			continue
		}

		dup := false
		for _, s := range seen {
			if h.Equal(s) {
				dup = true
				break
			}
		}
		if !dup {
			seen = append(seen, h)
			continue
		}

		if info, err := e.Info(); err == nil {
			report.BytesReclaimed += info.Size()
		}
		if err := os.Remove(path); err != nil {
			log.Printf("corpus: delete duplicate %s failed: %v", path, err)
			continue
		}
		report.Removed++
		removedAny = true
	}

	if removedAny {
		m.invalidateCache()
	}
	return report, nil
}

// FindSimilar returns the identity's images whose Hamming distance to the
// query image is within (1 - similarity/100) * hashSize^2 bits. similarity
// outside (0,100] falls back to the manager default. Diagnostic only; not on
// the confirmation path.
func (m *Manager) FindSimilar(firstName, lastName string, query []byte, similarity int) ([]string, error) {
	if similarity <= 0 || similarity > 100 {
		similarity = m.similarity
	}
	queryHash, err := ComputeHash(query, m.hashSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptImage, err)
	}
	diffLimit := int((1 - float64(similarity)/100) * float64(m.hashSize*m.hashSize))

	dir := m.identityDir(firstName, lastName)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, ErrUnknownIdentity
	}
	if err != nil {
		return nil, err
	}

	var similar []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("corpus: skipping unreadable file %s: %v", path, err)
			continue
		}
		h, err := ComputeHash(data, m.hashSize)
		if err != nil {
			log.Printf("corpus: skipping corrupt image %s: %v", path, err)
			continue
		}
		if queryHash.Distance(h) <= diffLimit {
			similar = append(similar, e.Name())
		}
	}
	return similar, nil
}

// invalidateCache deletes the cached representations artifact, if present.
func (m *Manager) invalidateCache() {
	path := filepath.Join(m.root, representationsFile)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("corpus: invalidate representations cache failed: %v", err)
	}
}
