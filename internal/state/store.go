// Package state is the file-backed record of the current GPU tenancy: the
// mode, the selected LLM, the staged gateway configuration and the ComfyUI
// lease deadline. One small file per field; writes are whole-file atomic
// replacements.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"github.com/zheng/modeswitcher/pkg/models"
	"gopkg.in/yaml.v3"
)

const (
	configFile = "active.yml"
	modelFile  = "active.model"
	modeFile   = "active.mode"
	leaseFile  = "active.mode.lease_until"
)

// Store owns the persisted active state. Only the switch engine, under the
// global switch lock, may call its mutating methods.
type Store struct {
	dir       string
	templates string
	log       zerolog.Logger
}

// New creates the store rooted at configDir, staging templates from
// templateDir.
func New(configDir, templateDir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	return &Store{
		dir:       configDir,
		templates: templateDir,
		log:       log.With().Str("component", "state").Logger(),
	}, nil
}

// ReadMode returns the persisted mode, defaulting to llm when the file is
// missing or corrupt.
func (s *Store) ReadMode() models.Mode {
	raw, err := os.ReadFile(filepath.Join(s.dir, modeFile))
	if err != nil {
		return models.ModeLLM
	}
	mode, ok := models.ParseMode(strings.TrimSpace(string(raw)))
	if !ok {
		return models.ModeLLM
	}
	return mode
}

// WriteMode persists the mode. Writing anything other than comfy removes
// the lease file.
func (s *Store) WriteMode(m models.Mode) error {
	if err := s.write(modeFile, []byte(string(m)+"\n")); err != nil {
		return err
	}
	if m != models.ModeComfy {
		return s.ClearLease()
	}
	return nil
}

// ReadActiveModel returns the persisted model id, or "" when absent.
func (s *Store) ReadActiveModel() string {
	raw, err := os.ReadFile(filepath.Join(s.dir, modelFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// ReadActiveConfig returns the staged gateway config bytes, or nil when
// absent. Used to capture the pre-switch state for rollback.
func (s *Store) ReadActiveConfig() []byte {
	raw, err := os.ReadFile(filepath.Join(s.dir, configFile))
	if err != nil {
		return nil
	}
	return raw
}

// StageConfig copies the named template into the staged-config path and
// rewrites the active-model file as a pair, in that fixed order. The
// template must be valid YAML.
func (s *Store) StageConfig(template, modelID string) error {
	data, err := os.ReadFile(filepath.Join(s.templates, template))
	if err != nil {
		return fmt.Errorf("read template %s: %w", template, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("template %s is not valid yaml: %w", template, err)
	}
	if err := s.write(configFile, data); err != nil {
		return err
	}
	return s.write(modelFile, []byte(modelID+"\n"))
}

// Restore rewrites or removes the staged config and active model as a pair,
// config first. A nil config or empty model removes the respective file.
func (s *Store) Restore(prevConfig []byte, prevModel string) error {
	if prevConfig == nil {
		if err := s.remove(configFile); err != nil {
			return err
		}
	} else if err := s.write(configFile, prevConfig); err != nil {
		return err
	}
	if prevModel == "" {
		return s.remove(modelFile)
	}
	return s.write(modelFile, []byte(prevModel+"\n"))
}

// SetLease persists now+ttl as the lease deadline and returns it.
func (s *Store) SetLease(ttl time.Duration) (time.Time, error) {
	expiry := time.Now().UTC().Add(ttl)
	if err := s.write(leaseFile, []byte(expiry.Format(time.RFC3339)+"\n")); err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}

// ReadLease returns the lease deadline. Missing or unparseable files are
// reported as no lease.
func (s *Store) ReadLease() (time.Time, bool) {
	raw, err := os.ReadFile(filepath.Join(s.dir, leaseFile))
	if err != nil {
		return time.Time{}, false
	}
	expiry, err := time.Parse(time.RFC3339, strings.TrimSpace(string(raw)))
	if err != nil {
		s.log.Warn().Err(err).Msg("lease file unparseable, treating as absent")
		return time.Time{}, false
	}
	return expiry, true
}

// ClearLease removes the lease file.
func (s *Store) ClearLease() error {
	return s.remove(leaseFile)
}

func (s *Store) write(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (s *Store) remove(name string) error {
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}
