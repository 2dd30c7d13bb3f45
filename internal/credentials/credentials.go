// credentials persists the provider credentials and the SSH private key used
// to reach provisioned nodes.
//
// Both files live in a single configuration directory and are only ever
// readable by their owner: every write lands in a 0600 temp file next to the
// destination which is then renamed over it.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/chainguard-dev/clog"
	"gopkg.in/yaml.v3"
)

const (
	credentialsFileName = ".aws"
	keyFileName         = ".key"

	// fileMode is applied to every file this package writes.
	fileMode os.FileMode = 0o600

	providerSource = "NodedriverCredentialStore"
)

var (
	ErrCredential = fmt.Errorf("failed to load provider credentials")
	ErrSave       = fmt.Errorf("failed to save credential material")
)

// Credentials is the on-disk format of the provider credential file.
type Credentials struct {
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Store reads and writes credential material below 'Dir'.
type Store struct {
	Dir string
}

var _ aws.CredentialsProvider = (*Store)(nil)

func New(dir string) *Store {
	return &Store{Dir: dir}
}

func (s *Store) CredentialsFile() string {
	return filepath.Join(s.Dir, credentialsFileName)
}

func (s *Store) KeyFile() string {
	return filepath.Join(s.Dir, keyFileName)
}

func (s *Store) CredentialsPresent() bool {
	return exists(s.CredentialsFile())
}

func (s *Store) KeyFilePresent() bool {
	return exists(s.KeyFile())
}

// Load reads the credential file. A missing, unreadable, malformed or
// incomplete file produces an error wrapping 'ErrCredential'.
func (s *Store) Load(ctx context.Context) (Credentials, error) {
	path := s.CredentialsFile()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %w", ErrCredential, err)
	}
	var creds Credentials
	if err := yaml.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: %s is malformed: %w", ErrCredential, path, err)
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return Credentials{}, fmt.Errorf(
			"%w: %s must set both access_key_id and secret_access_key",
			ErrCredential, path,
		)
	}
	clog.FromContext(ctx).Debug("loaded provider credentials", "path", path)
	return creds, nil
}

// Retrieve implements 'aws.CredentialsProvider' so the SDK reads straight
// from the store.
func (s *Store) Retrieve(ctx context.Context) (aws.Credentials, error) {
	creds, err := s.Load(ctx)
	if err != nil {
		return aws.Credentials{}, err
	}
	return aws.Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		Source:          providerSource,
	}, nil
}

// Save writes the provider credential file.
func (s *Store) Save(ctx context.Context, accessKeyID, secretAccessKey string) error {
	raw, err := yaml.Marshal(Credentials{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSave, err)
	}
	if err := writeFile(s.CredentialsFile(), func(w io.Writer) error {
		_, err := w.Write(raw)
		return err
	}); err != nil {
		return err
	}
	clog.FromContext(ctx).Info("saved provider credentials", "path", s.CredentialsFile())
	return nil
}

// SaveKeyFile copies the private key at 'src' into the store. A leading '~'
// in 'src' is expanded to the caller's home directory.
func (s *Store) SaveKeyFile(ctx context.Context, src string) error {
	src, err := expandHome(src)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSave, err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSave, err)
	}
	defer in.Close()
	if err := writeFile(s.KeyFile(), func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	}); err != nil {
		return err
	}
	clog.FromContext(ctx).Info("saved SSH private key", "from", src, "path", s.KeyFile())
	return nil
}

// writeFile creates 'path' atomically with mode 0600.
//
// 'os.CreateTemp' already opens the file 0600, the explicit chmod covers
// umasks and filesystems that don't honour the create mode.
func writeFile(path string, fill func(io.Writer) error) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("%w: %w", ErrSave, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSave, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = tmp.Chmod(fileMode); err != nil {
		return fmt.Errorf("%w: %w", ErrSave, err)
	}
	if err = fill(tmp); err != nil {
		return fmt.Errorf("%w: %w", ErrSave, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("%w: %w", ErrSave, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrSave, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %w", ErrSave, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Join(fmt.Errorf("cannot expand %q", path), err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
