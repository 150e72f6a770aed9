package moex

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/symbol"
)

type NewsItem struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Published time.Time `json:"published_at"`
}

const (
	newsPageSize = 50
	newsMaxPages = 4
	newsLookback = 24 * time.Hour
)

// tickerToNames maps tickers to the company names news titles use.
var tickerToNames = map[string][]string{
	"SBER": {"Сбербанк", "Сбер"},
	"GAZP": {"Газпром"},
	"LKOH": {"Лукойл", "ЛУКОЙЛ"},
	"GMKN": {"Норникель", "Норильский никель"},
	"NVTK": {"Новатэк", "НОВАТЭК"},
	"ROSN": {"Роснефть"},
	"YDEX": {"Яндекс"},
	"T":    {"Т-Банк", "Т-Технологии"},
	"MTSS": {"МТС"},
	"MGNT": {"Магнит"},
	"PLZL": {"Полюс"},
	"CHMF": {"Северсталь"},
	"ALRS": {"Алроса", "АЛРОСА"},
	"SNGS": {"Сургутнефтегаз"},
	"VTBR": {"ВТБ"},
	"MOEX": {"Мосбиржа", "Московская биржа"},
	"TATN": {"Татнефть"},
	"NLMK": {"НЛМК"},
	"PHOR": {"ФосАгро"},
	"IRAO": {"Интер РАО"},
}

type issNewsResponse struct {
	SiteNews issTable `json:"sitenews"`
}

// FetchRecentNews pages through exchange news until it reaches items older
// than 24 hours.
func (c *Client) FetchRecentNews(ctx context.Context) ([]NewsItem, error) {
	var all []NewsItem
	cutoff := c.now().Add(-newsLookback)

	for page := 0; page < newsMaxPages; page++ {
		q := url.Values{}
		q.Set("lang", "ru")
		q.Set("start", strconv.Itoa(page*newsPageSize))

		var iss issNewsResponse
		if err := c.getJSON(ctx, "/sitenews.json", q, &iss); err != nil {
			return nil, err
		}
		idx, err := iss.SiteNews.index("id", "title", "published_at")
		if err != nil {
			return nil, err
		}

		stoppedEarly := false
		for _, row := range iss.SiteNews.Data {
			if len(row) < len(iss.SiteNews.Columns) {
				continue
			}
			pubStr, _ := row[idx["published_at"]].(string)
			published, err := time.ParseInLocation(time.DateTime, pubStr, time.UTC)
			if err != nil {
				continue
			}
			if published.Before(cutoff) {
				stoppedEarly = true
				break
			}
			title, _ := row[idx["title"]].(string)
			all = append(all, NewsItem{
				ID:        int64(toFloat64(row[idx["id"]])),
				Title:     title,
				Published: published,
			})
		}

		if stoppedEarly || len(iss.SiteNews.Data) < newsPageSize {
			break
		}
	}
	return all, nil
}

// FilterNewsForTickers groups news by ticker, matching the ticker itself or a
// known company name in the title.
func FilterNewsForTickers(news []NewsItem, tickers []string) map[string][]NewsItem {
	result := make(map[string][]NewsItem)

	for _, ticker := range tickers {
		ticker = symbol.Normalize(ticker)
		terms := []string{ticker}
		terms = append(terms, tickerToNames[ticker]...)

		for _, item := range news {
			title := strings.ToUpper(item.Title)
			for _, term := range terms {
				if containsWord(title, strings.ToUpper(term)) {
					result[ticker] = append(result[ticker], item)
					break
				}
			}
		}
	}
	return result
}

// containsWord reports whether term occurs in s with no letter or digit
// directly around it, so "T" does not match every title.
func containsWord(s, term string) bool {
	for from := 0; from < len(s); {
		i := strings.Index(s[from:], term)
		if i < 0 {
			return false
		}
		start, end := from+i, from+i+len(term)
		before, _ := utf8.DecodeLastRuneInString(s[:start])
		after, _ := utf8.DecodeRuneInString(s[end:])
		if !isWordRune(before) && !isWordRune(after) {
			return true
		}
		from = start + 1
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// NewsFeed caches the last 24h of exchange news and serves per-symbol
// headlines to evaluators. Fetch failures yield no headlines.
type NewsFeed struct {
	client *Client
	ttl    time.Duration
	logger *logger.Logger

	mu      sync.Mutex
	items   []NewsItem
	fetched time.Time
}

func NewNewsFeed(client *Client, ttl time.Duration, log *logger.Logger) *NewsFeed {
	return &NewsFeed{client: client, ttl: ttl, logger: log}
}

func (f *NewsFeed) Headlines(ctx context.Context, sym string) []string {
	items := f.recent(ctx)
	matched := FilterNewsForTickers(items, []string{sym})[symbol.Normalize(sym)]
	out := make([]string, 0, len(matched))
	for _, n := range matched {
		out = append(out, n.Title)
	}
	return out
}

func (f *NewsFeed) recent(ctx context.Context) []NewsItem {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.client.now()
	if !f.fetched.IsZero() && now.Sub(f.fetched) < f.ttl {
		return f.items
	}
	items, err := f.client.FetchRecentNews(ctx)
	if err != nil {
		f.logger.Warn("fetch MOEX news", "error", err)
		return f.items
	}
	f.items, f.fetched = items, now
	return items
}
