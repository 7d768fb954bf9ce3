package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"crm-mailer/internal/account"
	"crm-mailer/internal/campaign"
	"crm-mailer/internal/outbox"
	"crm-mailer/internal/send"
)

type sendService interface {
	Send(ctx context.Context, in send.Input) (send.Result, error)
}

type outboxService interface {
	Enqueue(ctx context.Context, job outbox.Job) (outbox.Job, error)
}

type outboxLister interface {
	List(ctx context.Context) ([]outbox.Job, error)
}

type batchProcessor interface {
	ProcessBatch(ctx context.Context, campaignID string, batchSize int) (*campaign.Campaign, error)
}

// Server is the HTTP surface of the delivery subsystem: direct sends,
// outbox enqueueing, campaign batch processing and the public tracking
// endpoints.
type Server struct {
	port             int
	sender           sendService
	outbox           outboxService
	outboxJobs       outboxLister
	campaigns        batchProcessor
	defaultBatchSize int
	tracking         http.Handler
	logger           *slog.Logger
}

func NewServer(
	port int,
	sender sendService,
	ob outboxService,
	jobs outboxLister,
	campaigns batchProcessor,
	defaultBatchSize int,
	tracking http.Handler,
	logger *slog.Logger,
) *Server {
	return &Server{
		port:             port,
		sender:           sender,
		outbox:           ob,
		outboxJobs:       jobs,
		campaigns:        campaigns,
		defaultBatchSize: defaultBatchSize,
		tracking:         tracking,
		logger:           logger.With("pipe", "api"),
	}
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Post("/emails/send", s.handleSend)
		r.Post("/emails/outbox", s.handleEnqueue)
		r.Get("/emails/outbox", s.handleListOutbox)
		r.Post("/campaigns/{campaignID}/process", s.handleProcessBatch)
	})

	r.Mount("/track", s.tracking)

	return r
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Routes(),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		s.logger.Info("http server listening", "port", s.port)
		_ = srv.ListenAndServe()
	}()

	<-ctx.Done()

	ctxShutDown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctxShutDown); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	return nil
}

type sendRequest struct {
	AccountID      string   `json:"accountId"`
	Purpose        string   `json:"purpose"`
	To             string   `json:"to"`
	Cc             string   `json:"cc"`
	Subject        string   `json:"subject"`
	Body           string   `json:"body"`
	InReplyTo      string   `json:"inReplyTo"`
	References     []string `json:"references"`
	IdempotencyKey string   `json:"idempotencyKey"`
}

type dispatchResponse struct {
	Recipient  string `json:"recipient"`
	MessageID  string `json:"messageId"`
	TrackingID string `json:"trackingId"`
	Seq        int64  `json:"seq"`
	Reused     bool   `json:"reused"`
}

type failureResponse struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

type sendResponse struct {
	Sent   []dispatchResponse `json:"sent"`
	Failed []failureResponse  `json:"failed"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res, err := s.sender.Send(r.Context(), send.Input{
		AccountID:      req.AccountID,
		Purpose:        account.Purpose(req.Purpose),
		To:             req.To,
		Cc:             req.Cc,
		Subject:        req.Subject,
		Body:           req.Body,
		InReplyTo:      req.InReplyTo,
		References:     req.References,
		IdempotencyKey: req.IdempotencyKey,
	})
	if errors.Is(err, send.ErrNoRecipient) || errors.Is(err, account.ErrUnknownAccount) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("send failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := sendResponse{Sent: []dispatchResponse{}, Failed: []failureResponse{}}
	for _, d := range res.Sent {
		out.Sent = append(out.Sent, dispatchResponse{
			Recipient:  d.Recipient,
			MessageID:  d.MessageID,
			TrackingID: d.TrackingID,
			Seq:        d.Seq,
			Reused:     d.Reused,
		})
	}
	for _, f := range res.Failed {
		out.Failed = append(out.Failed, failureResponse{Recipient: f.Recipient, Error: f.Err.Error()})
	}

	status := http.StatusOK
	if len(out.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, out)
}

type enqueueRequest struct {
	AccountID  string   `json:"accountId"`
	To         string   `json:"to"`
	Cc         string   `json:"cc"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	InReplyTo  string   `json:"inReplyTo"`
	References []string `json:"references"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	job, err := s.outbox.Enqueue(r.Context(), outbox.Job{
		AccountID:  req.AccountID,
		To:         req.To,
		Cc:         req.Cc,
		Subject:    req.Subject,
		Body:       req.Body,
		InReplyTo:  req.InReplyTo,
		References: req.References,
	})
	if errors.Is(err, outbox.ErrEmptyRecipient) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("enqueue failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListOutbox(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.outboxJobs.List(r.Context())
	if err != nil {
		s.logger.Error("listing outbox failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []outbox.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

type campaignResponse struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	SentCount   int        `json:"sentCount"`
	FailedCount int        `json:"failedCount"`
	Pending     int        `json:"pending"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func (s *Server) handleProcessBatch(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")

	batchSize := s.defaultBatchSize
	if raw := r.URL.Query().Get("batchSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "batchSize must be a positive integer")
			return
		}
		batchSize = n
	}

	c, err := s.campaigns.ProcessBatch(r.Context(), campaignID, batchSize)
	switch {
	case errors.Is(err, campaign.ErrCampaignNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, campaign.ErrBatchInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("batch processing failed", "campaignId", campaignID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, campaignResponse{
		ID:          c.ID,
		Status:      string(c.Status),
		SentCount:   c.SentCount,
		FailedCount: c.FailedCount,
		Pending:     c.PendingCount(),
		CompletedAt: c.CompletedAt,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
