package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Credentials is the login kept between CLI invocations.
type Credentials struct {
	Server   string `yaml:"server"`
	Username string `yaml:"username"`
	Token    string `yaml:"token"`
}

func DefaultCredentialsPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credentials.yaml"), nil
}

// LoadCredentials returns the zero value when the file does not exist.
func LoadCredentials(path string) (Credentials, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Credentials{}, nil
	}
	if err != nil {
		return Credentials{}, errors.Wrap(err, "read credentials")
	}
	var c Credentials
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Credentials{}, errors.Wrapf(err, "parse credentials %s", path)
	}
	return c, nil
}

// For returns the token stored for server, if any.
func (c Credentials) For(server string) (string, bool) {
	if c.Token == "" || c.Server != server {
		return "", false
	}
	return c.Token, true
}

func SaveCredentials(path string, c Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "create credentials directory")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode credentials")
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return errors.Wrap(err, "write credentials")
	}
	// WriteFile keeps the mode of an existing file
	return errors.Wrap(os.Chmod(path, 0o600), "restrict credentials")
}

func DeleteCredentials(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "remove credentials")
	}
	return nil
}
