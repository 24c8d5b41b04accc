package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rat-data/rat/platform/internal/domain"
)

// SubscriptionStore is the subscription read/write surface the API needs —
// satisfied by *postgres.SubscriptionStore. EmailsFor is used internally by
// the notification dispatcher (internal/notify), not exposed over HTTP.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *domain.Subscription) error
	DeleteSubscription(ctx context.Context, id uuid.UUID) (bool, error)
}

// MountSubscriptionRoutes mounts /subscriptions.
func MountSubscriptionRoutes(r chi.Router, srv *Server) {
	r.Route("/subscriptions", func(r chi.Router) {
		r.Post("/", srv.HandleCreateSubscription)
		r.Delete("/{subscriptionID}", srv.HandleDeleteSubscription)
	})
}

type createSubscriptionRequest struct {
	EntityType string    `json:"entity_type"`
	EntityID   uuid.UUID `json:"entity_id"`
	Email      string    `json:"email"`
}

func (s *Server) HandleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Email == "" {
		errorJSON(w, "email is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	sub := &domain.Subscription{
		EntityType: domain.SubscriptionEntityType(req.EntityType),
		EntityID:   req.EntityID,
		Email:      req.Email,
	}
	if err := s.Subscriptions.CreateSubscription(r.Context(), sub); err != nil {
		writeDomainError(w, "create subscription", err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) HandleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "subscriptionID"))
	if err != nil {
		errorJSON(w, "invalid subscription id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	deleted, err := s.Subscriptions.DeleteSubscription(r.Context(), id)
	if err != nil {
		internalError(w, "delete subscription", err)
		return
	}
	if !deleted {
		errorJSON(w, "subscription not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
