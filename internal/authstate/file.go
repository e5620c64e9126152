package authstate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/lk2023060901/firm-gateway-go/internal/json"
)

const (
	storeDirMode = 0o700
	fileMode     = 0o600

	credsFileName = "creds.json"
	keysDirName   = "keys"
	keyFileExt    = ".json"
)

var _ Store = (*FileStore)(nil)

// FileStore 将认证材料保存在目录中：
//
//	<dir>/creds.json
//	<dir>/keys/<name>.json
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore 创建以 dir 为根目录的 FileStore，目录在首次写入时创建。
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: filepath.Clean(dir)}
}

// Dir 返回存储目录。
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) ReadCredentials(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dir, credsFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read credentials")
	}
	return data, nil
}

func (s *FileStore) WriteCredentials(ctx context.Context, raw json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, storeDirMode); err != nil {
		return errors.Wrap(err, "create auth state directory")
	}
	return writeFileAtomic(filepath.Join(s.dir, credsFileName), raw)
}

func (s *FileStore) ReadKeys(ctx context.Context) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keysDir := filepath.Join(s.dir, keysDirName)
	entries, err := os.ReadDir(keysDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, errors.Wrap(err, "list key entries")
	}

	keys := make(map[string]json.RawMessage, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), keyFileExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(keysDir, entry.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "read key entry %q", entry.Name())
		}
		keys[strings.TrimSuffix(entry.Name(), keyFileExt)] = data
	}
	return keys, nil
}

func (s *FileStore) WriteKey(ctx context.Context, name string, raw json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keysDir := filepath.Join(s.dir, keysDirName)
	if err := os.MkdirAll(keysDir, storeDirMode); err != nil {
		return errors.Wrap(err, "create key directory")
	}
	return writeFileAtomic(filepath.Join(keysDir, name+keyFileExt), raw)
}

func (s *FileStore) DeleteKey(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, keysDirName, name+keyFileExt))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "delete key entry %q", name)
	}
	return nil
}

// Replace 先把新材料完整写入临时目录，再通过 rename 切换。
// 任一步骤失败都不会破坏原目录。
func (s *FileStore) Replace(ctx context.Context, creds json.RawMessage, keys map[string]json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for name := range keys {
		if err := ValidateName(name); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent := filepath.Dir(s.dir)
	if err := os.MkdirAll(parent, storeDirMode); err != nil {
		return errors.Wrap(err, "create auth state parent directory")
	}

	suffix := uuid.NewString()
	staging := s.dir + ".staging-" + suffix
	if err := writeTree(staging, creds, keys); err != nil {
		_ = os.RemoveAll(staging)
		return err
	}

	backup := s.dir + ".old-" + suffix
	hadOld := true
	if err := os.Rename(s.dir, backup); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			_ = os.RemoveAll(staging)
			return errors.Wrap(err, "move current auth state aside")
		}
		hadOld = false
	}
	if err := os.Rename(staging, s.dir); err != nil {
		if hadOld {
			_ = os.Rename(backup, s.dir)
		}
		_ = os.RemoveAll(staging)
		return errors.Wrap(err, "install new auth state")
	}
	if hadOld {
		_ = os.RemoveAll(backup)
	}
	return nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		return errors.Wrap(err, "clear auth state")
	}
	return nil
}

func writeTree(dir string, creds json.RawMessage, keys map[string]json.RawMessage) error {
	keysDir := filepath.Join(dir, keysDirName)
	if err := os.MkdirAll(keysDir, storeDirMode); err != nil {
		return errors.Wrap(err, "create staging directory")
	}
	if creds != nil {
		if err := os.WriteFile(filepath.Join(dir, credsFileName), creds, fileMode); err != nil {
			return errors.Wrap(err, "write staged credentials")
		}
	}
	for name, raw := range keys {
		if err := os.WriteFile(filepath.Join(keysDir, name+keyFileExt), raw, fileMode); err != nil {
			return errors.Wrapf(err, "write staged key entry %q", name)
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return errors.Wrapf(err, "write %s", filepath.Base(path))
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "rename %s", filepath.Base(path))
	}
	return nil
}

// FileFactory 在 root 下为每个租户分配一个子目录。
// 同一租户始终返回同一个 FileStore，保证读写共用一把锁。
type FileFactory struct {
	root   string
	stores sync.Map // firmID -> *FileStore
}

var _ Factory = (*FileFactory)(nil)

func NewFileFactory(root string) *FileFactory {
	return &FileFactory{root: filepath.Clean(root)}
}

func (f *FileFactory) ForFirm(firmID string) (Store, error) {
	if err := ValidateName(firmID); err != nil {
		return nil, err
	}
	actual, _ := f.stores.LoadOrStore(firmID, NewFileStore(filepath.Join(f.root, firmID)))
	return actual.(*FileStore), nil
}
