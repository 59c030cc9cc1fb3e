package validation

import (
	"os"
	"path/filepath"
)

// PathHandler resolves the default locations of feedtriage's files.
type PathHandler struct {
	validator *FilePathValidator
}

func NewSecurePathHandler() *PathHandler {
	return &PathHandler{validator: NewFilePathValidator()}
}

func NewPermissivePathHandler() *PathHandler {
	return &PathHandler{validator: NewPermissiveFilePathValidator()}
}

// Validator exposes the underlying validator.
func (ph *PathHandler) Validator() *FilePathValidator {
	return ph.validator
}

func defaultPath(parts ...string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{homeDir}, parts...)...), nil
}

// DBPath returns the validated database path, defaulting to
// ~/.feedtriage/feedtriage.db.
func (ph *PathHandler) DBPath(userPath string) (string, error) {
	if userPath == "" {
		p, err := defaultPath(".feedtriage", "feedtriage.db")
		if err != nil {
			return "", err
		}
		userPath = p
	}
	path, err := ph.validator.ValidateFile(userPath)
	if err != nil {
		return "", err
	}
	if _, err := ph.validator.ValidateDirectory(filepath.Dir(path), true); err != nil {
		return "", err
	}
	return path, nil
}

func (ph *PathHandler) ConfigPath(userPath string) (string, error) {
	if userPath == "" {
		p, err := defaultPath(".config", "feedtriage", "config.toml")
		if err != nil {
			return "", err
		}
		userPath = p
	}
	return ph.validator.ValidateFile(userPath)
}

// IndexPath validates the bleve index directory without creating it; bleve
// refuses to create an index in an existing directory.
func (ph *PathHandler) IndexPath(userPath string) (string, error) {
	if userPath == "" {
		p, err := defaultPath(".feedtriage", "index.bleve")
		if err != nil {
			return "", err
		}
		userPath = p
	}
	return ph.validator.ValidateDirectory(userPath, false)
}

// DigestDir validates and creates the digest output directory.
func (ph *PathHandler) DigestDir(userPath string) (string, error) {
	return ph.validator.ValidateDirectory(userPath, true)
}
