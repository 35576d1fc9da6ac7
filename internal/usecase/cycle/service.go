package cycle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"smm-post-bot/internal/domain"
)

// ErrNoTemplates возвращается, когда в каталоге нет подходящих шаблонов.
var ErrNoTemplates = errors.New("нет шаблонов для выбора")

// Длина окна, в котором шаблоны не повторяются.
const defaultRecentWindow = 3

// Service выбирает категорию и шаблон по циклу 4-1-1:
// четыре образовательных поста, один мягкий и один прямой.
type Service struct {
	catalog domain.TemplateCatalog
	ledger  domain.LedgerRepo
	recent  int
}

// NewService создаёт сервис цикла категорий.
func NewService(catalog domain.TemplateCatalog, ledger domain.LedgerRepo) *Service {
	return &Service{catalog: catalog, ledger: ledger, recent: defaultRecentWindow}
}

// CategoryFor возвращает категорию для поста с порядковым номером count.
func CategoryFor(count int) domain.TemplateCategory {
	if count < 0 {
		count = 0
	}
	switch count % 6 {
	case 4:
		return domain.CategorySoftSell
	case 5:
		return domain.CategoryHardSell
	default:
		return domain.CategoryEducational
	}
}

// PickTemplate выбирает шаблон для клиента на указанную дату.
// Позиция в цикле определяется числом публикаций за текущий месяц,
// выбор детерминирован: дата и клиент однозначно задают результат.
func (s *Service) PickTemplate(ctx context.Context, client domain.Client, date time.Time) (domain.Template, error) {
	monthStart := time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, date.Location())
	count, err := s.ledger.CountPublishedSince(ctx, client.ID, monthStart)
	if err != nil {
		return domain.Template{}, fmt.Errorf("подсчёт публикаций: %w", err)
	}

	category := CategoryFor(count)
	pool := s.cyclePool(category)
	if len(pool) == 0 {
		return domain.Template{}, ErrNoTemplates
	}

	recentKeys, err := s.ledger.RecentTemplateKeys(ctx, client.ID, s.recent)
	if err != nil {
		return domain.Template{}, fmt.Errorf("получение последних шаблонов: %w", err)
	}
	if filtered := excludeKeys(pool, recentKeys); len(filtered) > 0 {
		pool = filtered
	}

	seed := domain.SeedFor("template", date.Format("2006-01-02"), client.ID)
	idx := rand.New(rand.NewSource(seed)).Intn(len(pool))
	return pool[idx], nil
}

// cyclePool возвращает шаблоны категории, при пустой категории — весь
// цикловой каталог. Анонсы в цикл не попадают.
func (s *Service) cyclePool(category domain.TemplateCategory) []domain.Template {
	pool := s.catalog.ByCategory(category)
	if len(pool) > 0 {
		return pool
	}
	var all []domain.Template
	for _, tpl := range s.catalog.Templates() {
		if tpl.Category == domain.CategoryAnnouncement {
			continue
		}
		all = append(all, tpl)
	}
	return all
}

func excludeKeys(pool []domain.Template, keys []string) []domain.Template {
	if len(keys) == 0 {
		return pool
	}
	used := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		used[key] = struct{}{}
	}
	var out []domain.Template
	for _, tpl := range pool {
		if _, ok := used[tpl.Key]; ok {
			continue
		}
		out = append(out, tpl)
	}
	return out
}
