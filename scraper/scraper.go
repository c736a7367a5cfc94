// Package scraper crawls the paginated book catalog and feeds
// normalized records into the pipeline.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-books-api/config"
	"github.com/aluiziolira/go-books-api/models"
	"github.com/aluiziolira/go-books-api/parser"
	"github.com/aluiziolira/go-books-api/pipeline"
	"github.com/gocolly/colly/v2"
)

// Scraper wraps the colly collector and retry logic for the catalog.
// It traverses listing pages via the next-page link and visits every
// discovered book detail page, where all record fields live (the
// category sits in the detail breadcrumb, not on the listing).
type Scraper struct {
	cfg       *config.Config
	collector *colly.Collector
	retry     *retryManager
	Metrics   *Metrics

	requestCount int64
	successCount int64
	pageCount    int64
	errorCount   int64

	mu           sync.Mutex
	failedURLs   []string
	errorsByType map[string]int
	nextSeq      int64
	seqs         map[string]int64

	handlersOnce sync.Once
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config) (*Scraper, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	collector := colly.NewCollector(
		colly.Async(true),
		// Domain checks compare hostnames, so a base URL with an
		// explicit port must not leak the port into the allowlist.
		colly.AllowedDomains(parsed.Hostname()),
		colly.UserAgent(cfg.UserAgent),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	// Retries re-Visit failed URLs; colly must not refuse them as
	// already seen. Detail-page duplicates are filtered by seqs.
	collector.AllowURLRevisit = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	s := &Scraper{
		cfg:          cfg,
		collector:    collector,
		errorsByType: make(map[string]int),
		seqs:         make(map[string]int64),
		Metrics:      NewMetrics(),
	}
	s.retry = newRetryManager(collector, cfg, s.Metrics)
	return s, nil
}

// Run starts the crawl and streams records through the pipeline. It
// returns ErrCatalogUnreachable when not a single page could be
// fetched; per-page failures after retries only reduce the result.
func (s *Scraper) Run(ctx context.Context, p *pipeline.Pipeline) (*models.ScrapeResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.retry.SetContext(ctx)
	s.configureHandlers(ctx, p)

	start := time.Now()
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			s.collector.Wait()
			s.retry.Stop()
		case <-done:
		}
	}()

	if err := s.collector.Visit(s.cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("initial visit: %w", err)
	}

	s.collector.Wait()
	// Retry timers may still be pending after the first drain; keep
	// waiting until they have fired and their re-visits completed.
	for ctx.Err() == nil && s.retry.Pending() > 0 {
		time.Sleep(20 * time.Millisecond)
		s.collector.Wait()
	}
	s.retry.Stop()

	if atomic.LoadInt64(&s.successCount) == 0 {
		return nil, fmt.Errorf("fetch catalog root %s: %w", s.cfg.BaseURL, ErrCatalogUnreachable)
	}

	result := &models.ScrapeResult{
		StartTime:    start,
		EndTime:      time.Now(),
		ErrorCount:   int(atomic.LoadInt64(&s.errorCount)),
		FailedURLs:   s.snapshotFailedURLs(),
		ErrorsByType: s.snapshotErrors(),
		RetryCount:   s.retry.TotalRetries(),
		RequestCount: int(atomic.LoadInt64(&s.requestCount)),
		PageCount:    int(atomic.LoadInt64(&s.pageCount)) + 1,
	}

	if metrics := p.GetMetrics(); metrics != nil {
		if processed, ok := metrics["processed_books"].(int64); ok {
			result.TotalCount = int(processed)
		}
	}

	return result, nil
}

func (s *Scraper) configureHandlers(ctx context.Context, p *pipeline.Pipeline) {
	s.handlersOnce.Do(func() {
		s.collector.OnRequest(func(r *colly.Request) {
			r.Ctx.Put("start", time.Now())
			current := atomic.AddInt64(&s.requestCount, 1)
			if s.Metrics != nil {
				s.Metrics.IncRequest("started")
			}
			if current%50 == 0 {
				slog.Debug("scraper request progress",
					slog.Int64("requests", current),
					slog.Int64("pages", atomic.LoadInt64(&s.pageCount)),
					slog.String("url", r.URL.String()),
				)
			}
		})

		s.collector.OnResponse(func(r *colly.Response) {
			if r.StatusCode >= http.StatusBadRequest {
				slog.Error("non-200 response",
					slog.Int("status", r.StatusCode),
					slog.String("url", r.Request.URL.String()),
				)
			} else {
				atomic.AddInt64(&s.successCount, 1)
			}
			if s.Metrics != nil {
				if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
					s.Metrics.ObserveDuration(time.Since(start))
				}
			}
		})

		s.collector.OnError(func(r *colly.Response, err error) {
			atomic.AddInt64(&s.errorCount, 1)
			statusCode := 0
			if r != nil {
				statusCode = r.StatusCode
			}
			classified := classifyError(err, statusCode)
			category := errorTypeLabel(classified)

			s.mu.Lock()
			s.errorsByType[category]++
			s.mu.Unlock()

			url := ""
			if r != nil && r.Request != nil && r.Request.URL != nil {
				url = r.Request.URL.String()
			}
			slog.Error("request error",
				slog.String("url", url),
				slog.String("category", category),
				slog.Any("error", err),
			)
			if s.Metrics != nil {
				s.Metrics.IncError(category)
			}

			if !s.retry.Schedule(url) {
				s.mu.Lock()
				s.failedURLs = append(s.failedURLs, url)
				s.mu.Unlock()
			}
		})

		// Listing pages: discover detail links in display order. Each
		// link gets a sequence number exactly once; the dataset writer
		// sorts by it, so concurrent detail fetches cannot scramble IDs.
		s.collector.OnHTML("article.product_pod h3 a", func(e *colly.HTMLElement) {
			href := e.Attr("href")
			if href == "" {
				return
			}
			abs := e.Request.AbsoluteURL(href)

			s.mu.Lock()
			if _, seen := s.seqs[abs]; seen {
				s.mu.Unlock()
				return
			}
			s.nextSeq++
			s.seqs[abs] = s.nextSeq
			s.mu.Unlock()

			if ctx.Err() != nil {
				return
			}
			s.collector.Visit(abs)
		})

		s.collector.OnHTML("li.next a", func(e *colly.HTMLElement) {
			// pageCount tracks listing pages beyond the root; stop
			// following next-links once MaxPages listing pages are in.
			visited := atomic.LoadInt64(&s.pageCount) + 1
			if visited >= int64(s.cfg.MaxPages) {
				return
			}
			if ctx.Err() != nil {
				return
			}
			atomic.AddInt64(&s.pageCount, 1)
			if s.Metrics != nil {
				s.Metrics.IncPage()
			}
			link := e.Attr("href")
			abs := e.Request.AbsoluteURL(link)
			s.collector.Visit(abs)
		})

		// Detail pages carry every record field; listing pages do not
		// match the product_page selector and fall through.
		s.collector.OnHTML("html", func(e *colly.HTMLElement) {
			if e.DOM.Find("article.product_page").Length() == 0 {
				return
			}
			book := s.extractDetail(e)
			if book == nil {
				return
			}
			if s.Metrics != nil {
				s.Metrics.IncItems()
			}
			if err := p.Process(book); err != nil && err != pipeline.ErrPipelineClosed {
				slog.Error("pipeline process error", slog.Any("error", err))
			}
		})
	})
}

func (s *Scraper) extractDetail(e *colly.HTMLElement) *models.Book {
	pageURL := e.Request.URL.String()
	main := e.DOM.Find("div.product_main")

	title := parser.CleanText(main.Find("h1").Text())
	if title == "" {
		slog.Warn("detail page missing title", slog.String("url", pageURL))
		return nil
	}

	price, err := parser.NormalizePrice(main.Find("p.price_color").Text())
	if err != nil {
		slog.Warn("detail page price unparseable",
			slog.String("url", pageURL),
			slog.Any("error", err),
		)
		return nil
	}

	// The rating is encoded as the second class of the star-rating
	// element, e.g. "star-rating Three". Unknown words become the 0
	// sentinel and the pipeline drops the record at validation.
	rating := 0
	if class, ok := main.Find("p.star-rating").Attr("class"); ok {
		parts := strings.Fields(class)
		if len(parts) > 1 {
			rating = parser.RatingToNumeric(parts[1])
		}
	}

	availabilityText := main.Find("p.instock.availability").Text()
	if strings.TrimSpace(availabilityText) == "" {
		availabilityText = main.Find("p.availability").Text()
	}
	availability := parser.ParseAvailability(availabilityText)

	// Third breadcrumb anchor: Home / Books / <category>.
	category := parser.CleanText(e.DOM.Find("ul.breadcrumb li a").Eq(2).Text())

	// Image is optional; an absent gallery yields the empty default.
	imageURL := ""
	if src, ok := e.DOM.Find("#product_gallery img").Attr("src"); ok && src != "" {
		imageURL = e.Request.AbsoluteURL(src)
	}

	s.mu.Lock()
	seq := s.seqs[pageURL]
	s.mu.Unlock()

	return &models.Book{
		Title:        title,
		Price:        price,
		Rating:       rating,
		Availability: availability,
		Category:     category,
		ImageURL:     imageURL,
		Seq:          seq,
		SourceURL:    pageURL,
		ScrapedAt:    time.Now(),
	}
}

func (s *Scraper) snapshotFailedURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.failedURLs))
	copy(out, s.failedURLs)
	return out
}

func (s *Scraper) snapshotErrors() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.errorsByType))
	for k, v := range s.errorsByType {
		out[k] = v
	}
	return out
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch statusCode {
		case http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case http.StatusNotFound:
			return ErrNotFound{Err: wrapped}
		case http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		}
	}

	if err == nil {
		return nil
	}
	return err
}

type retryManager struct {
	collector *colly.Collector
	cfg       *config.Config
	metrics   *Metrics
	ctx       context.Context

	mu           sync.Mutex
	attempts     map[string]int
	timers       map[string]*time.Timer
	totalRetries int
	stopped      bool
}

func newRetryManager(collector *colly.Collector, cfg *config.Config, metrics *Metrics) *retryManager {
	return &retryManager{
		collector: collector,
		cfg:       cfg,
		attempts:  make(map[string]int),
		timers:    make(map[string]*time.Timer),
		metrics:   metrics,
		ctx:       context.Background(),
	}
}

func (rm *retryManager) Schedule(url string) bool {
	if rm.cfg.MaxRetries == 0 {
		return false
	}

	if rm.ctx != nil {
		select {
		case <-rm.ctx.Done():
			return false
		default:
		}
	}

	rm.mu.Lock()

	if rm.stopped {
		rm.mu.Unlock()
		return false
	}
	if rm.ctx != nil && rm.ctx.Err() != nil {
		rm.mu.Unlock()
		return false
	}

	attempt := rm.attempts[url]
	if attempt >= rm.cfg.MaxRetries {
		rm.mu.Unlock()
		return false
	}

	attempt++
	rm.attempts[url] = attempt
	rm.totalRetries++
	if rm.metrics != nil {
		rm.metrics.IncRetries()
	}

	delay := rm.backoff(attempt)
	rm.resetTimerLocked(url)
	rm.timers[url] = time.AfterFunc(delay, func() {
		rm.fireRetry(url)
	})
	rm.mu.Unlock()
	return true
}

func (rm *retryManager) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := rm.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := rm.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func (rm *retryManager) resetTimerLocked(url string) {
	if timer, ok := rm.timers[url]; ok {
		timer.Stop()
		delete(rm.timers, url)
	}
}

func (rm *retryManager) fireRetry(url string) {
	rm.mu.Lock()
	if rm.stopped {
		rm.mu.Unlock()
		return
	}
	ctx := rm.ctx
	rm.mu.Unlock()

	if ctx != nil && ctx.Err() != nil {
		rm.mu.Lock()
		delete(rm.timers, url)
		rm.mu.Unlock()
		return
	}
	if err := rm.collector.Visit(url); err != nil {
		slog.Debug("retry visit failed", slog.String("url", url), slog.Any("error", err))
	}

	rm.mu.Lock()
	delete(rm.timers, url)
	rm.mu.Unlock()
}

func (rm *retryManager) Stop() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.stopped {
		return
	}

	rm.stopped = true
	for url, timer := range rm.timers {
		timer.Stop()
		delete(rm.timers, url)
	}
}

// Pending reports how many retry timers have not fired yet.
func (rm *retryManager) Pending() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.timers)
}

func (rm *retryManager) TotalRetries() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.totalRetries
}

func (rm *retryManager) SetContext(ctx context.Context) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if ctx == nil {
		rm.ctx = context.Background()
		return
	}
	rm.ctx = ctx
}
