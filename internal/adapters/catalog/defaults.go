package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

//go:embed templates_default.yaml
var defaultTemplates []byte

// EnsureDefault записывает встроенный каталог, если файла по пути ещё нет.
func EnsureDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("проверка каталога: %w", err)
	}
	if err := os.WriteFile(path, defaultTemplates, 0o644); err != nil {
		return fmt.Errorf("запись каталога по умолчанию: %w", err)
	}
	return nil
}
