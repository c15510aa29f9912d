// Package webhook receives GitHub webhook deliveries: it authenticates them,
// records them once in the delivery ledger, routes them and announces them.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"hookgate/internal"
	"hookgate/pkg/events"
	"hookgate/pkg/ledger"
	"hookgate/pkg/storage"
)

// LinkageStore resolves payload references to local rows.
type LinkageStore interface {
	GetInstallationByGitHubID(ctx context.Context, githubInstallationID int64) (*storage.Installation, error)
	GetRepositoryByGitHubID(ctx context.Context, githubRepoID int64) (*storage.Repository, error)
}

// Options wires a GitHubHandler. Rules and Publisher are optional.
type Options struct {
	Verifier  *Verifier
	Ledger    *ledger.Ledger
	Router    *events.Router
	Store     LinkageStore
	Rules     *internal.RuleEngine
	Publisher internal.Publisher
	Logger    *log.Logger
	MaxBody   int64
}

// GitHubHandler handles incoming webhooks from GitHub.
type GitHubHandler struct {
	verifier  *Verifier
	ledger    *ledger.Ledger
	router    *events.Router
	store     LinkageStore
	rules     *internal.RuleEngine
	publisher internal.Publisher
	logger    *log.Logger
	maxBody   int64
}

type response struct {
	Status     string `json:"status"`
	DeliveryID string `json:"delivery_id"`
	EventType  string `json:"event_type"`
}

// payloadRefs holds the envelope fields every event kind may carry.
type payloadRefs struct {
	Action         string
	InstallationID int64
	RepositoryID   int64
}

// decodeRefs reads the envelope of a JSON object payload. A field with an
// unexpected type is logged and left empty; only a body that is not a JSON
// object is an error.
func decodeRefs(body []byte, logger *log.Logger) (payloadRefs, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return payloadRefs{}, err
	}
	field := func(name string, dst interface{}) {
		raw, ok := envelope[name]
		if !ok {
			return
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			logger.Printf("ignoring payload field %s: %v", name, err)
		}
	}
	var refs payloadRefs
	var installation, repository struct {
		ID int64 `json:"id"`
	}
	field("action", &refs.Action)
	field("installation", &installation)
	field("repository", &repository)
	refs.InstallationID = installation.ID
	refs.RepositoryID = repository.ID
	return refs, nil
}

func NewGitHubHandler(opts Options) *GitHubHandler {
	logger := opts.Logger
	if logger == nil {
		logger = internal.NewLogger("webhook")
	}
	return &GitHubHandler{
		verifier:  opts.Verifier,
		ledger:    opts.Ledger,
		router:    opts.Router,
		store:     opts.Store,
		rules:     opts.Rules,
		publisher: opts.Publisher,
		logger:    logger,
		maxBody:   opts.MaxBody,
	}
}

// ServeHTTP handles an incoming HTTP request.
func (h *GitHubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	w.Header().Set("X-Request-Id", reqID)
	logger := internal.WithRequestID(h.logger, reqID)

	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, logger, "too_large", &internal.ValidationError{Reason: "body exceeds limit", TooLarge: true})
			return
		}
		h.reject(w, logger, "read_failed", &internal.ValidationError{Reason: "read body: " + err.Error()})
		return
	}

	eventType := strings.TrimSpace(r.Header.Get("X-GitHub-Event"))
	deliveryID := strings.TrimSpace(r.Header.Get("X-GitHub-Delivery"))
	if eventType == "" || deliveryID == "" {
		h.reject(w, logger, "missing_header", &internal.ValidationError{Reason: "X-GitHub-Event and X-GitHub-Delivery are required"})
		return
	}
	if err := h.verifier.Check(body, r.Header.Get("X-Hub-Signature-256"), logger); err != nil {
		h.reject(w, logger, "signature", err)
		return
	}

	refs, err := decodeRefs(body, logger)
	if err != nil {
		h.reject(w, logger, "malformed", &internal.ValidationError{Reason: "invalid JSON payload"})
		return
	}

	delivery := h.link(r.Context(), logger, refs, storage.Delivery{
		DeliveryID: deliveryID,
		EventType:  eventType,
		Action:     refs.Action,
		Payload:    string(body),
	})
	outcome, err := h.ledger.Record(r.Context(), delivery)
	if err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			internal.IncRejection("storage")
			logger.Printf("ledger record failed delivery=%s: %v", deliveryID, err)
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		h.reject(w, logger, "ledger", err)
		return
	}
	internal.IncDelivery(outcome.String())
	if outcome == ledger.Duplicate {
		writeJSON(w, response{Status: outcome.String(), DeliveryID: deliveryID, EventType: eventType})
		return
	}

	// The delivery is ours now; finish even if the sender hangs up.
	ctx := context.WithoutCancel(r.Context())
	result, routeErr := h.router.Route(ctx, eventType, refs.Action, body)
	if routeErr != nil {
		logger.Printf("route failed delivery=%s event=%s: %v", deliveryID, eventType, routeErr)
	}
	if err := h.ledger.MarkProcessed(ctx, deliveryID, routeErr); err != nil {
		logger.Printf("mark processed failed delivery=%s: %v", deliveryID, err)
	}
	logger.Printf("delivery accepted id=%s event=%s action=%s routed=%t changed=%d", deliveryID, eventType, refs.Action, result.Routed, result.Changed)

	h.emit(ctx, logger, internal.Notice{
		DeliveryID:     deliveryID,
		Event:          eventType,
		Action:         refs.Action,
		InstallationID: derefID(delivery.InstallationID),
		RepositoryID:   derefID(delivery.RepositoryID),
		Routed:         result.Routed && routeErr == nil,
		ReceivedAt:     time.Now().UTC(),
		Payload:        json.RawMessage(body),
	})

	writeJSON(w, response{Status: outcome.String(), DeliveryID: deliveryID, EventType: eventType})
}

// link fills in local installation, user and repository ids. Lookups are
// best effort: unknown references and lookup failures leave the ids empty.
func (h *GitHubHandler) link(ctx context.Context, logger *log.Logger, refs payloadRefs, delivery storage.Delivery) storage.Delivery {
	if h.store == nil {
		return delivery
	}
	if refs.InstallationID != 0 {
		inst, err := h.store.GetInstallationByGitHubID(ctx, refs.InstallationID)
		if err != nil {
			logger.Printf("installation lookup failed github_id=%d: %v", refs.InstallationID, err)
		} else if inst != nil {
			delivery.InstallationID = &inst.ID
			delivery.UserID = &inst.UserID
		}
	}
	if refs.RepositoryID != 0 {
		repo, err := h.store.GetRepositoryByGitHubID(ctx, refs.RepositoryID)
		if err != nil {
			logger.Printf("repository lookup failed github_id=%d: %v", refs.RepositoryID, err)
		} else if repo != nil {
			delivery.RepositoryID = &repo.ID
		}
	}
	return delivery
}

func (h *GitHubHandler) emit(ctx context.Context, logger *log.Logger, notice internal.Notice) {
	if h.rules == nil || h.publisher == nil {
		return
	}
	matches := h.rules.EvaluateWithLogger(notice, logger)
	for _, match := range matches {
		if err := h.publisher.PublishForDrivers(ctx, match.Topic, notice, match.Drivers); err != nil {
			logger.Printf("publish %s failed: %v", match.Topic, err)
		}
	}
}

func (h *GitHubHandler) reject(w http.ResponseWriter, logger *log.Logger, reason string, err error) {
	internal.IncRejection(reason)
	logger.Printf("webhook rejected reason=%s: %v", reason, err)
	status := internal.HTTPStatus(err)
	http.Error(w, http.StatusText(status), status)
}

func derefID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
