// Package api serves the books catalog over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"github.com/aluiziolira/go-books-api/auth"
	"github.com/aluiziolira/go-books-api/config"
	"github.com/aluiziolira/go-books-api/dataset"
	"github.com/aluiziolira/go-books-api/ml"
	"github.com/aluiziolira/go-books-api/models"
	"github.com/aluiziolira/go-books-api/pipeline"
	"github.com/aluiziolira/go-books-api/recommend"
	"github.com/aluiziolira/go-books-api/scraper"
	"github.com/aluiziolira/go-books-api/store"
)

// Recommender is the slice of the recommendation client the server
// uses; nil when no vector service is configured.
type Recommender interface {
	Recommend(ctx context.Context, books *dataset.Store, query string) ([]*dataset.Record, error)
	IndexBooks(ctx context.Context, records []*dataset.Record) error
}

// Server wires the dataset store, user store, auth, and scraper into
// an HTTP API.
type Server struct {
	cfg         *config.ServerConfig
	books       *dataset.Store
	users       *store.Users
	tokens      *auth.Service
	recommender Recommender

	scrapeBusy  atomic.Bool
	scrapeGroup singleflight.Group

	registry *prometheus.Registry
	metrics  *HTTPMetrics

	mu              sync.Mutex
	scraperGatherer prometheus.Gatherer
}

// NewServer assembles a server from its dependencies. recommender may
// be nil; the recommendations endpoint then answers 503.
func NewServer(cfg *config.ServerConfig, books *dataset.Store, users *store.Users, tokens *auth.Service, recommender Recommender) *Server {
	registry := prometheus.NewRegistry()
	return &Server{
		cfg:         cfg,
		books:       books,
		users:       users,
		tokens:      tokens,
		recommender: recommender,
		registry:    registry,
		metrics:     NewHTTPMetrics(registry),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(s.metrics.instrument)

	r.Get("/health", s.handleLiveness)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/books", s.handleListBooks)
		r.Get("/books/search", s.handleSearchBooks)
		r.Get("/books/recommendations", s.handleRecommendations)
		r.Get("/books/{id}", s.handleGetBook)
		r.Get("/categories", s.handleCategories)

		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Get("/ml/features", s.handleMLFeatures)
		r.Get("/ml/training-data", s.handleMLTrainingData)
		r.Post("/ml/predictions", s.handleMLPredict)

		r.With(bearerAuth(s.tokens)).Post("/scraper/run", s.handleScrapeRun)
	})

	return r
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	gatherers := prometheus.Gatherers{s.registry}
	s.mu.Lock()
	if s.scraperGatherer != nil {
		gatherers = append(gatherers, s.scraperGatherer)
	}
	s.mu.Unlock()
	promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"dataset": "ok",
		"users":   "ok",
	}
	healthy := true

	if err := s.books.Ping(); err != nil {
		checks["dataset"] = err.Error()
		healthy = false
	}
	if err := s.users.Ping(r.Context()); err != nil {
		checks["users"] = err.Error()
		healthy = false
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	records, err := s.books.All()
	if err != nil {
		s.writeDatasetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, r, "book id must be an integer")
		return
	}

	record, err := s.books.Get(id)
	if err != nil {
		s.writeDatasetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleSearchBooks(w http.ResponseWriter, r *http.Request) {
	title := r.URL.Query().Get("title")
	category := r.URL.Query().Get("category")

	records, err := s.books.Search(title, category)
	if err != nil {
		s.writeDatasetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.books.Categories()
	if err != nil {
		s.writeDatasetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, categories)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	if s.recommender == nil {
		writeUpstreamUnavailable(w, r, http.StatusServiceUnavailable, "recommendation service not configured")
		return
	}

	query := r.URL.Query().Get("query")
	if strings.TrimSpace(query) == "" {
		writeBadRequest(w, r, "query parameter is required")
		return
	}

	records, err := s.recommender.Recommend(r.Context(), s.books, query)
	if err != nil {
		if errors.Is(err, recommend.ErrUnavailable) {
			writeUpstreamUnavailable(w, r, http.StatusServiceUnavailable, "recommendation service unavailable")
			return
		}
		if errors.Is(err, dataset.ErrNoDataset) {
			s.writeDatasetError(w, r, err)
			return
		}
		writeBadRequest(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "invalid json body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeBadRequest(w, r, "username and password are required")
		return
	}
	if !strings.Contains(req.Email, "@") {
		writeBadRequest(w, r, "a valid email is required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}

	user, err := s.users.Create(r.Context(), req.Username, req.Email, hash)
	if err != nil {
		if errors.Is(err, store.ErrUserExists) {
			writeConflict(w, r, "username or email already registered")
			return
		}
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "invalid json body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeBadRequest(w, r, "username and password are required")
		return
	}

	user, err := s.users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			writeUnauthorized(w, r, "invalid username or password")
			return
		}
		writeInternalError(w, r, err)
		return
	}
	if !user.IsActive || !auth.CheckPassword(user.HashedPassword, req.Password) {
		writeUnauthorized(w, r, "invalid username or password")
		return
	}

	token, err := s.tokens.CreateToken(user.Username, user.Email)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(s.tokens.TTL().Seconds()),
	})
}

func (s *Server) handleMLFeatures(w http.ResponseWriter, r *http.Request) {
	records, err := s.books.All()
	if err != nil {
		s.writeDatasetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ml.Features(records))
}

func (s *Server) handleMLTrainingData(w http.ResponseWriter, r *http.Request) {
	records, err := s.books.All()
	if err != nil {
		s.writeDatasetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ml.TrainingData(records))
}

func (s *Server) handleMLPredict(w http.ResponseWriter, r *http.Request) {
	var in ml.PredictionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeBadRequest(w, r, "invalid json body")
		return
	}
	if err := in.Validate(); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"predicted_rating": ml.Predict(in)})
}

type scrapeResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	BooksCount int    `json:"books_count"`
	FilePath   string `json:"file_path"`
}

func (s *Server) handleScrapeRun(w http.ResponseWriter, r *http.Request) {
	// Dataset writes replace the file wholesale, so overlapping runs
	// are rejected rather than queued.
	if !s.scrapeBusy.CompareAndSwap(false, true) {
		writeConflict(w, r, "a scrape run is already in progress")
		return
	}

	result, err, _ := s.scrapeGroup.Do("scrape-job", func() (any, error) {
		defer s.scrapeBusy.Store(false)
		return s.runScrape()
	})
	if err != nil {
		if errors.Is(err, scraper.ErrCatalogUnreachable) {
			writeUpstreamUnavailable(w, r, http.StatusBadGateway, "catalog site unreachable")
			return
		}
		writeInternalError(w, r, err)
		return
	}

	count := result.(int)
	writeJSON(w, http.StatusOK, scrapeResponse{
		Success:    true,
		Message:    fmt.Sprintf("scraped %d books", count),
		BooksCount: count,
		FilePath:   s.cfg.DatasetPath,
	})
}

// runScrape executes a full crawl into the dataset file. It runs on a
// background context so a dropped client connection cannot abort a
// half-finished dataset swap.
func (s *Server) runScrape() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ScrapeTimeout)
	defer cancel()

	writer, err := dataset.NewCSVWriter(s.cfg.DatasetPath)
	if err != nil {
		return 0, err
	}

	sc, err := scraper.NewScraper(s.cfg.Scraper)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.scraperGatherer = sc.Metrics.Registry
	s.mu.Unlock()

	p := pipeline.NewPipeline(ctx, writer, s.cfg.Scraper)
	p.Start(s.cfg.Scraper.Parallelism)

	result, err := sc.Run(ctx, p)
	if err != nil {
		p.Close()
		return 0, err
	}
	if err := p.Close(); err != nil {
		return 0, fmt.Errorf("finalize dataset: %w", err)
	}

	s.books.Invalidate()
	slog.Info("scrape run finished",
		slog.Int("books", result.TotalCount),
		slog.Int("pages", result.PageCount),
		slog.Int("errors", result.ErrorCount),
		slog.Int("retries", result.RetryCount),
	)

	if s.recommender != nil {
		records := recordsFromBooks(writer.Records())
		if err := s.recommender.IndexBooks(ctx, records); err != nil {
			// Indexing is best effort; recommendations degrade, the
			// dataset itself is already in place.
			slog.Warn("vector index refresh failed", slog.Any("error", err))
		}
	}

	return result.TotalCount, nil
}

// recordsFromBooks maps scraped books to dataset records for indexing.
func recordsFromBooks(books []*models.Book) []*dataset.Record {
	records := make([]*dataset.Record, len(books))
	for i, book := range books {
		records[i] = &dataset.Record{
			ID:           book.ID,
			Title:        book.Title,
			Price:        book.Price,
			Rating:       book.Rating,
			Availability: book.Availability,
			Category:     book.Category,
			ImageURL:     book.ImageURL,
		}
	}
	return records
}

func (s *Server) writeDatasetError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dataset.ErrNotFound):
		writeNotFound(w, r, err.Error())
	case errors.Is(err, dataset.ErrNoDataset):
		writeUpstreamUnavailable(w, r, http.StatusServiceUnavailable, "dataset not available; trigger a scrape run")
	default:
		writeInternalError(w, r, err)
	}
}
