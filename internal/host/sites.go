package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/MacJediWizard/cloudsnap/internal/models"
	"gopkg.in/yaml.v3"
)

// FileSiteStore keeps the site registry in a YAML file.
type FileSiteStore struct {
	path string
	mu   sync.Mutex
}

type sitesFile struct {
	Sites []*models.Site `yaml:"sites"`
}

// NewFileSiteStore returns a store backed by path. A missing file is an
// empty registry.
func NewFileSiteStore(path string) *FileSiteStore {
	return &FileSiteStore{path: path}
}

// GetSite returns a copy of the site with the given id.
func (s *FileSiteStore) GetSite(_ context.Context, id string) (*models.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, site := range f.Sites {
		if site.ID == id {
			return site, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSiteNotFound, id)
}

// ListSites returns every registered site.
func (s *FileSiteStore) ListSites(_ context.Context) ([]*models.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	return f.Sites, nil
}

// AddSite registers a new site.
func (s *FileSiteStore) AddSite(_ context.Context, site *models.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	for _, existing := range f.Sites {
		if existing.ID == site.ID {
			return fmt.Errorf("site %s already exists", site.ID)
		}
	}
	f.Sites = append(f.Sites, site)
	return s.save(f)
}

// UpdateSite replaces a registered site.
func (s *FileSiteStore) UpdateSite(_ context.Context, site *models.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	for i, existing := range f.Sites {
		if existing.ID == site.ID {
			f.Sites[i] = site
			return s.save(f)
		}
	}
	return fmt.Errorf("%w: %s", ErrSiteNotFound, site.ID)
}

func (s *FileSiteStore) load() (*sitesFile, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &sitesFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sites file: %w", err)
	}

	var f sitesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sites file: %w", err)
	}
	return &f, nil
}

// save writes the registry through a temp file and rename.
func (s *FileSiteStore) save(f *sitesFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal sites: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create sites directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write sites file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace sites file: %w", err)
	}
	return nil
}
