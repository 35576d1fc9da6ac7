package catalog

import (
	"fmt"
	"strings"
	"text/template"

	"smm-post-bot/internal/domain"
)

// Renderer подставляет данные клиента в тело шаблона.
type Renderer struct{}

// NewRenderer создаёт рендерер.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// renderData ограничивает набор полей, доступных шаблонам.
type renderData struct {
	client domain.Client
}

func (d renderData) Name() string     { return d.client.Name }
func (d renderData) City() string     { return d.client.City }
func (d renderData) Industry() string { return d.client.Industry }
func (d renderData) Website() string  { return d.client.Website }

// Attr возвращает атрибут бренд-профиля, пустая строка для отсутствующих.
func (d renderData) Attr(key string) string {
	return d.client.Attr(key)
}

// AttrList возвращает списковый атрибут бренд-профиля.
func (d renderData) AttrList(key string) []string {
	return d.client.AttrList(key)
}

// Render выполняет шаблон поста. Опечатка в имени поля — ошибка, а не
// пустая подстановка.
func (r *Renderer) Render(tpl domain.Template, client domain.Client) (string, error) {
	parsed, err := template.New(tpl.Key).Option("missingkey=error").Parse(tpl.Body)
	if err != nil {
		return "", fmt.Errorf("разбор шаблона %s: %w", tpl.Key, err)
	}
	var sb strings.Builder
	if err := parsed.Execute(&sb, renderData{client: client}); err != nil {
		return "", fmt.Errorf("рендер шаблона %s: %w", tpl.Key, err)
	}
	return strings.TrimSpace(sb.String()), nil
}
