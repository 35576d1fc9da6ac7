package learner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"smm-post-bot/internal/domain"
)

// Bucket — класс причины отклонения.
type Bucket string

const (
	BucketTooSalesy   Bucket = "too_salesy"
	BucketWrongTone   Bucket = "wrong_tone"
	BucketOffTopic    Bucket = "off_topic"
	BucketTooLong     Bucket = "too_long"
	BucketTooShort    Bucket = "too_short"
	BucketRepetitive  Bucket = "repetitive"
	BucketUnspecified Bucket = "unspecified"
	BucketOther       Bucket = "other"
)

// bucketKeywords проверяются по порядку, первый совпавший класс выигрывает.
var bucketKeywords = []struct {
	bucket   Bucket
	keywords []string
}{
	{BucketTooSalesy, []string{"salesy", "pushy", "hard sell", "aggressive", "spammy", "advert"}},
	{BucketWrongTone, []string{"tone", "voice", "formal", "casual", "stiff", "robotic", "cheesy"}},
	{BucketOffTopic, []string{"off topic", "off-topic", "irrelevant", "nothing to do", "wrong service", "random"}},
	{BucketTooLong, []string{"too long", "long", "wordy", "verbose", "rambling"}},
	{BucketTooShort, []string{"too short", "short", "thin", "bare", "empty"}},
	{BucketRepetitive, []string{"repeat", "repetitive", "again", "same as", "duplicate", "already post"}},
}

// bucketAdvice — подсказка оператору по доминирующему классу.
var bucketAdvice = map[Bucket]string{
	BucketTooSalesy:   "Tone down the sales pitch; lead with value before any call to action.",
	BucketWrongTone:   "Adjust the voice to the client; check the tone attribute on the profile.",
	BucketOffTopic:    "Keep the copy on the client's actual services; cut generic filler.",
	BucketTooLong:     "Tighten the copy; aim well under 280 characters.",
	BucketTooShort:    "Add a concrete detail or benefit; the post reads too thin.",
	BucketRepetitive:  "Rotate this template out for a while; it repeats recent posts.",
	BucketUnspecified: "Ask reviewers to add a reason when rejecting; most had none.",
	BucketOther:       "Review the recent rejections by hand; no clear pattern detected.",
}

// Suggestion — вывод по одному шаблону с повторяющимися отклонениями.
type Suggestion struct {
	TemplateKey string
	Rejections  int
	Dominant    Bucket
	Advice      string
}

// Report — сводка отклонений за окно анализа.
type Report struct {
	Since       time.Time
	Total       int
	ByBucket    map[Bucket]int
	Suggestions []Suggestion
}

// Service анализирует причины отклонений. Сервис только читает:
// автоматических правок по его выводам не происходит.
type Service struct {
	candidates    domain.CandidateRepo
	windowDays    int
	minRejections int
}

// NewService создаёт анализатор отклонений.
func NewService(candidates domain.CandidateRepo, windowDays, minRejections int) *Service {
	if windowDays <= 0 {
		windowDays = 30
	}
	if minRejections <= 0 {
		minRejections = 2
	}
	return &Service{candidates: candidates, windowDays: windowDays, minRejections: minRejections}
}

// Classify относит причину отклонения к классу по ключевым словам.
func Classify(reason string) Bucket {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return BucketUnspecified
	}
	for _, entry := range bucketKeywords {
		for _, keyword := range entry.keywords {
			if strings.Contains(reason, keyword) {
				return entry.bucket
			}
		}
	}
	return BucketOther
}

// Analyze собирает отчёт по отклонениям за окно. Пустой clientID — по всем
// клиентам сразу.
func (s *Service) Analyze(ctx context.Context, now time.Time, clientID string) (Report, error) {
	since := now.AddDate(0, 0, -s.windowDays)
	rejected, err := s.candidates.ListRejectedSince(ctx, since, clientID)
	if err != nil {
		return Report{}, fmt.Errorf("список отклонений: %w", err)
	}

	report := Report{Since: since, ByBucket: make(map[Bucket]int)}
	perTemplate := make(map[string]map[Bucket]int)
	for _, cand := range rejected {
		bucket := Classify(cand.RejectReason)
		report.Total++
		report.ByBucket[bucket]++
		if cand.TemplateKey == "" {
			continue
		}
		if perTemplate[cand.TemplateKey] == nil {
			perTemplate[cand.TemplateKey] = make(map[Bucket]int)
		}
		perTemplate[cand.TemplateKey][bucket]++
	}

	for key, buckets := range perTemplate {
		total := 0
		for _, n := range buckets {
			total += n
		}
		if total < s.minRejections {
			continue
		}
		dominant := dominantBucket(buckets)
		report.Suggestions = append(report.Suggestions, Suggestion{
			TemplateKey: key,
			Rejections:  total,
			Dominant:    dominant,
			Advice:      bucketAdvice[dominant],
		})
	}
	sort.Slice(report.Suggestions, func(i, j int) bool {
		if report.Suggestions[i].Rejections != report.Suggestions[j].Rejections {
			return report.Suggestions[i].Rejections > report.Suggestions[j].Rejections
		}
		return report.Suggestions[i].TemplateKey < report.Suggestions[j].TemplateKey
	})
	return report, nil
}

func dominantBucket(buckets map[Bucket]int) Bucket {
	keys := make([]Bucket, 0, len(buckets))
	for bucket := range buckets {
		keys = append(keys, bucket)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	best := BucketOther
	bestCount := -1
	for _, bucket := range keys {
		if buckets[bucket] > bestCount {
			best = bucket
			bestCount = buckets[bucket]
		}
	}
	return best
}
