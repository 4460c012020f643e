package testutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// CreateTestFile writes size bytes of a repeating pattern to dir/name.
func CreateTestFile(dir, name string, size int64) (string, error) {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// FileExists reports whether path exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// VerifyFileSize checks that the file at path has the expected size.
func VerifyFileSize(path string, expected int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() != expected {
		return fmt.Errorf("file size mismatch: expected %d, got %d", expected, info.Size())
	}
	return nil
}

// VerifyFileContent checks that the file at path holds exactly want.
func VerifyFileContent(path string, want []byte) error {
	got, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if len(got) != len(want) {
		return fmt.Errorf("content length mismatch: expected %d, got %d", len(want), len(got))
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("content mismatch")
	}
	return nil
}
