package encoder

import (
	"errors"
	"os"
	"path/filepath"
)

// LUTStore persists an encoded lookup table across power cycles
type LUTStore interface {
	Save(data []byte) error
	// Load returns ErrNoLUT when nothing has been saved
	Load() ([]byte, error)
}

// MemoryLUTStore keeps the table in RAM, for tests and targets without
// writable flash
type MemoryLUTStore struct {
	data  []byte
	saves int
}

func (m *MemoryLUTStore) Save(data []byte) error {
	m.data = append(m.data[:0], data...)
	m.saves++
	return nil
}

func (m *MemoryLUTStore) Load() ([]byte, error) {
	if m.data == nil {
		return nil, ErrNoLUT
	}
	return append([]byte(nil), m.data...), nil
}

// Saves returns how many times Save was called
func (m *MemoryLUTStore) Saves() int { return m.saves }

// FileLUTStore keeps the table in a file, replaced atomically on Save
type FileLUTStore struct {
	Path string
}

func (f *FileLUTStore) Save(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), filepath.Base(f.Path)+".tmp*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, f.Path)
}

func (f *FileLUTStore) Load() ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoLUT
	}
	return data, err
}
