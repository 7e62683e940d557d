package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/superfluid-finance/agora-reconciler/internal/action"
	"github.com/superfluid-finance/agora-reconciler/internal/metrics"
	"github.com/superfluid-finance/agora-reconciler/internal/reconcile"
	"github.com/superfluid-finance/agora-reconciler/internal/tranche"
	"github.com/superfluid-finance/agora-reconciler/internal/txtrack"
	"github.com/superfluid-finance/agora-reconciler/internal/watch"
)

// Reconciler produces reconciliations and schedule views.
type Reconciler interface {
	Run(ctx context.Context, req reconcile.Request) (*reconcile.Result, error)
	Schedules(ctx context.Context, sender string) ([]reconcile.ScheduleView, error)
	TranchePlan() tranche.Plan
}

// TransactionTracker records signed transactions (nil if unavailable).
type TransactionTracker interface {
	Register(sub txtrack.Submission) (txtrack.Entry, error)
	List(sender common.Address) []txtrack.Entry
}

// WatchProvider exposes the watcher's last results (nil if unavailable).
type WatchProvider interface {
	Statuses() []watch.Status
}

// HaltSwitch withholds actions from every result while set.
type HaltSwitch interface {
	SetHalted(halted bool)
	Halted() bool
}

// HaltNotifier is told when the halt switch flips (nil if unavailable).
type HaltNotifier interface {
	NotifyHalt(ctx context.Context, halted bool) error
}

// Deps are the components the API serves.
type Deps struct {
	Reconciler   Reconciler
	Transactions TransactionTracker
	Watch        WatchProvider
	Halt         HaltSwitch
	Notifier     HaltNotifier
	// Ready reports whether upstream dependencies are reachable.
	Ready func(ctx context.Context) error
}

type Options struct {
	Addr              string
	RateLimitRPS      float64
	RateLimitBurst    int
	RequestTimeout    time.Duration
	ReadHeaderTimeout time.Duration
}

// Server is the HTTP API for the reconciler.
type Server struct {
	httpServer *http.Server
	deps       Deps
	opts       Options
	logger     *zap.Logger
	startedAt  time.Time
	now        func() time.Time
}

// NewServer creates a new API server bound to opts.Addr.
func NewServer(opts Options, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 5 * time.Second
	}
	s := &Server{
		deps:      deps,
		opts:      opts,
		logger:    logger,
		startedAt: time.Now(),
		now:       time.Now,
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(s.logger))
	r.Use(metrics.InstrumentHandler(routePattern))

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Get("/api/tranches", s.handleTranches)
	r.Get("/api/watch", s.handleWatch)
	r.Get("/api/halt", s.handleHaltStatus)
	r.Post("/api/halt", s.handleHalt)
	r.Get("/api/transactions", s.handleListTransactions)
	r.Post("/api/transactions", s.handleRegisterTransaction)

	// Upstream-heavy routes are rate limited per client.
	r.Group(func(r chi.Router) {
		if s.opts.RateLimitRPS > 0 {
			r.Use(newRateLimiter(s.opts.RateLimitRPS, s.opts.RateLimitBurst, s.logger).Handler)
		}
		if s.opts.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))
		}
		r.Get("/api/agora", s.handleAgora)
		r.Get("/api/vesting-schedules", s.handleSchedules)
	})

	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP requests.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("api server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"uptime_s": time.Since(s.startedAt).Seconds(),
	})
}

// GET /api/ready
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"ready":    true,
		"halted":   s.deps.Halt != nil && s.deps.Halt.Halted(),
		"uptime_s": time.Since(s.startedAt).Seconds(),
	}
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			resp["ready"] = false
			resp["reason"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/agora?sender=&tranche=&chainId=&format=csv
func (s *Server) handleAgora(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := reconcile.Request{Sender: strings.TrimSpace(q.Get("sender"))}
	if req.Sender == "" {
		writeError(w, http.StatusBadRequest, "sender is required")
		return
	}

	// "tranch" is the legacy spelling still sent by older dashboards.
	rawTranche := q.Get("tranche")
	if rawTranche == "" {
		rawTranche = q.Get("tranch")
	}
	if rawTranche != "" {
		n, err := strconv.Atoi(rawTranche)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("tranche must be a positive integer, got %q", rawTranche))
			return
		}
		req.Tranche = n
	}
	if raw := q.Get("chainId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("chainId must be a positive integer, got %q", raw))
			return
		}
		req.ChainID = id
	}

	res, err := s.deps.Reconciler.Run(r.Context(), req)
	if err != nil {
		s.writeRunError(w, r, err)
		return
	}

	if strings.EqualFold(q.Get("format"), "csv") {
		s.writeActionsCSV(w, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, reconcile.ErrBadRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Warn("reconcile failed",
		zap.String("request_id", RequestID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusBadGateway, err.Error())
}

var csvHeader = []string{
	"index", "type", "projectId", "receiver", "amount", "amountTokens",
	"flowRate", "startDate", "endDate", "reason", "to", "data",
}

func (s *Server) writeActionsCSV(w http.ResponseWriter, res *reconcile.Result) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=agora-%s-tranche-%d.csv", strings.ToLower(res.Sender.Hex()), res.Tranche.Number))

	cw := csv.NewWriter(w)
	_ = cw.Write(csvHeader)
	for i, a := range res.Actions {
		_ = cw.Write(actionRow(i, a))
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Warn("write csv", zap.Error(err))
	}
}

func actionRow(i int, a action.Action) []string {
	row := make([]string, len(csvHeader))
	row[0] = strconv.Itoa(i)
	row[1] = string(a.Type)
	row[2] = a.ProjectID
	if recv, ok := a.Receiver(); ok {
		row[3] = recv.Hex()
	}
	if amt := a.Amount(); amt != nil {
		row[4] = amt.String()
		row[5] = action.FormatUnits(amt, action.TokenDecimals)
	}
	switch p := a.Payload.(type) {
	case action.CreateSchedule:
		row[6] = p.FlowRate.String()
		row[7] = strconv.FormatInt(p.StartDate, 10)
		row[8] = strconv.FormatInt(p.EndDate, 10)
	case action.UpdateSchedule:
		row[6] = p.FlowRate.String()
		row[8] = strconv.FormatInt(p.EndDate, 10)
	case action.StopSchedule:
		row[9] = p.Reason
	case action.IncreasePermissions:
		row[6] = p.FlowRateAllowanceDelta.String()
	}
	if a.Call != nil {
		row[10] = a.Call.To.Hex()
		row[11] = a.Call.Data.String()
	}
	return row
}

// GET /api/tranches
func (s *Server) handleTranches(w http.ResponseWriter, _ *http.Request) {
	plan := s.deps.Reconciler.TranchePlan()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plan":     plan,
		"tranches": plan.Tranches(),
		"current":  plan.Current(s.now().UTC()),
	})
}

// GET /api/vesting-schedules?sender=
func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	sender := strings.TrimSpace(r.URL.Query().Get("sender"))
	if sender == "" {
		writeError(w, http.StatusBadRequest, "sender is required")
		return
	}
	views, err := s.deps.Reconciler.Schedules(r.Context(), sender)
	if err != nil {
		s.writeRunError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": views})
}

// POST /api/transactions
func (s *Server) handleRegisterTransaction(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transactions == nil {
		writeError(w, http.StatusNotFound, "transaction tracking disabled")
		return
	}
	var sub txtrack.Submission
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	entry, err := s.deps.Transactions.Register(sub)
	if err != nil {
		if errors.Is(err, txtrack.ErrInvalidSubmission) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, entry)
}

// GET /api/transactions?sender=
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transactions == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": []txtrack.Entry{}})
		return
	}
	var sender common.Address
	if raw := strings.TrimSpace(r.URL.Query().Get("sender")); raw != "" {
		addr, err := reconcile.ParseSender(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sender = addr
	}
	entries := s.deps.Transactions.List(sender)
	if entries == nil {
		entries = []txtrack.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": entries})
}

// GET /api/watch
func (s *Server) handleWatch(w http.ResponseWriter, _ *http.Request) {
	statuses := []watch.Status{}
	if s.deps.Watch != nil {
		statuses = append(statuses, s.deps.Watch.Statuses()...)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":  s.deps.Watch != nil,
		"statuses": statuses,
	})
}

// GET /api/halt
func (s *Server) handleHaltStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"halted": s.deps.Halt != nil && s.deps.Halt.Halted()})
}

// POST /api/halt {"halted": bool}
func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	if s.deps.Halt == nil {
		writeError(w, http.StatusNotFound, "halt switch unavailable")
		return
	}
	var body struct {
		Halted *bool `json:"halted"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&body); err != nil || body.Halted == nil {
		writeError(w, http.StatusBadRequest, `body must be {"halted": true|false}`)
		return
	}

	was := s.deps.Halt.Halted()
	s.deps.Halt.SetHalted(*body.Halted)
	if was != *body.Halted {
		s.logger.Warn("halt switch changed",
			zap.Bool("halted", *body.Halted),
			zap.String("request_id", RequestID(r.Context())),
		)
		if s.deps.Notifier != nil {
			if err := s.deps.Notifier.NotifyHalt(r.Context(), *body.Halted); err != nil {
				s.logger.Warn("halt notification failed", zap.Error(err))
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"halted": *body.Halted})
}
