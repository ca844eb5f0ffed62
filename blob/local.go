package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// LocalStore implements ObjectStore on a local directory. Containers are
// top-level directories and keys are slash-separated paths beneath them.
// It serves tests and single-node deployments that have no object store.
type LocalStore struct {
	root string
}

// NewLocalStore creates a store rooted at dir, creating it if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blob: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := os.Stat(s.root)
	return err
}

func (s *LocalStore) EnsureContainer(ctx context.Context, container string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if container == "" {
		return fmt.Errorf("blob: container name is required")
	}
	return os.MkdirAll(s.containerPath(container), 0o755)
}

func (s *LocalStore) Put(ctx context.Context, container, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if container == "" || key == "" {
		return fmt.Errorf("blob: container and key are required")
	}
	full := filepath.Join(s.containerPath(container), filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("blob: put %s/%s: %w", container, key, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("blob: put %s/%s: %w", container, key, err)
	}
	return nil
}

func (s *LocalStore) Get(ctx context.Context, container, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if container == "" || key == "" {
		return nil, fmt.Errorf("blob: container and key are required")
	}
	full := filepath.Join(s.containerPath(container), filepath.FromSlash(key))
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, container, key)
		}
		return nil, fmt.Errorf("blob: get %s/%s: %w", container, key, err)
	}
	return data, nil
}

func (s *LocalStore) ListPrefix(ctx context.Context, container, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := s.containerPath(container)
	root := filepath.Join(base, filepath.FromSlash(prefix))

	var keys []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(base, path)
		if relErr != nil {
			return relErr
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("blob: list %s/%s: %w", container, prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *LocalStore) containerPath(container string) string {
	return filepath.Join(s.root, filepath.Base(filepath.Clean(container)))
}
