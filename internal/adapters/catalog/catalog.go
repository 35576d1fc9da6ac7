package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"smm-post-bot/internal/domain"
)

// ErrEmptyCatalog возвращается, когда в файле нет ни одного шаблона.
var ErrEmptyCatalog = errors.New("каталог шаблонов пуст")

type catalogFile struct {
	Templates []templateEntry `yaml:"templates"`
}

type templateEntry struct {
	Key       string   `yaml:"key"`
	Category  string   `yaml:"category"`
	Platforms []string `yaml:"platforms"`
	Body      string   `yaml:"body"`
}

// YAMLCatalog загружает шаблоны постов из YAML-файла.
type YAMLCatalog struct {
	path string

	mu         sync.RWMutex
	templates  []domain.Template
	byCategory map[domain.TemplateCategory][]domain.Template
	byKey      map[string]domain.Template
}

// NewYAMLCatalog создаёт каталог и выполняет первую загрузку.
func NewYAMLCatalog(path string) (*YAMLCatalog, error) {
	c := &YAMLCatalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload перечитывает файл каталога. При ошибке прежний набор сохраняется.
func (c *YAMLCatalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("чтение каталога: %w", err)
	}
	templates, err := parseCatalog(data)
	if err != nil {
		return err
	}
	byCategory := make(map[domain.TemplateCategory][]domain.Template)
	byKey := make(map[string]domain.Template, len(templates))
	for _, tpl := range templates {
		byCategory[tpl.Category] = append(byCategory[tpl.Category], tpl)
		byKey[tpl.Key] = tpl
	}
	c.mu.Lock()
	c.templates = templates
	c.byCategory = byCategory
	c.byKey = byKey
	c.mu.Unlock()
	return nil
}

// Templates возвращает все шаблоны каталога.
func (c *YAMLCatalog) Templates() []domain.Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Template, len(c.templates))
	copy(out, c.templates)
	return out
}

// ByCategory возвращает шаблоны указанной категории.
func (c *YAMLCatalog) ByCategory(category domain.TemplateCategory) []domain.Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src := c.byCategory[category]
	out := make([]domain.Template, len(src))
	copy(out, src)
	return out
}

// ByKey возвращает шаблон по ключу.
func (c *YAMLCatalog) ByKey(key string) (domain.Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tpl, ok := c.byKey[key]
	return tpl, ok
}

func parseCatalog(data []byte) ([]domain.Template, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("разбор каталога: %w", err)
	}
	if len(file.Templates) == 0 {
		return nil, ErrEmptyCatalog
	}
	seen := make(map[string]struct{}, len(file.Templates))
	out := make([]domain.Template, 0, len(file.Templates))
	for _, entry := range file.Templates {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			return nil, errors.New("шаблон без ключа")
		}
		if _, ok := seen[key]; ok {
			return nil, fmt.Errorf("дубликат ключа шаблона %s", key)
		}
		seen[key] = struct{}{}
		category := domain.TemplateCategory(strings.TrimSpace(entry.Category))
		switch category {
		case domain.CategoryEducational, domain.CategorySoftSell, domain.CategoryHardSell, domain.CategoryAnnouncement:
		default:
			return nil, fmt.Errorf("неизвестная категория %q у шаблона %s", entry.Category, key)
		}
		if strings.TrimSpace(entry.Body) == "" {
			return nil, fmt.Errorf("пустое тело шаблона %s", key)
		}
		out = append(out, domain.Template{
			Key:       key,
			Category:  category,
			Platforms: entry.Platforms,
			Body:      strings.TrimSpace(entry.Body),
		})
	}
	return out, nil
}
