package users

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/glimte/mmate-gateway/messaging"
)

// Queues answered by the service
const (
	QueueCreate       = "users.create"
	QueueGet          = "users.get"
	QueueList         = "users.list"
	QueueUpdate       = "users.update"
	QueueDelete       = "users.delete"
	QueueAuthenticate = "users.authenticate"

	// QueueEvents receives a UserEvent for every change
	QueueEvents = "users.events"
)

// Event names published to QueueEvents
const (
	EventCreated = "user.created"
	EventUpdated = "user.updated"
	EventDeleted = "user.deleted"
)

// UserEvent is published after a user changes
type UserEvent struct {
	Event string    `json:"event"`
	ID    int64     `json:"id"`
	Email string    `json:"email,omitempty"`
	At    time.Time `json:"at"`
}

// EventPublisher is satisfied by *messaging.Publisher
type EventPublisher interface {
	Publish(ctx context.Context, queue string, payload any) error
}

// Service answers user RPC requests on top of a Repository
type Service struct {
	repo      Repository
	hasher    *PasswordHasher
	publisher EventPublisher
	logger    *slog.Logger
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithServiceLogger sets the logger
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithEventPublisher publishes a UserEvent to QueueEvents after each change
func WithEventPublisher(publisher EventPublisher) ServiceOption {
	return func(s *Service) {
		s.publisher = publisher
	}
}

// WithPasswordHasher replaces the default bcrypt hasher
func WithPasswordHasher(hasher *PasswordHasher) ServiceOption {
	return func(s *Service) {
		s.hasher = hasher
	}
}

// NewService creates a user service
func NewService(repo Repository, opts ...ServiceOption) *Service {
	s := &Service{
		repo:   repo,
		hasher: NewPasswordHasher(0),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handlers returns the RPC handler for each queue the service answers
func (s *Service) Handlers() map[string]messaging.RequestHandler {
	return map[string]messaging.RequestHandler{
		QueueCreate:       messaging.RequestHandlerFunc(s.Create),
		QueueGet:          messaging.RequestHandlerFunc(s.Get),
		QueueList:         messaging.RequestHandlerFunc(s.List),
		QueueUpdate:       messaging.RequestHandlerFunc(s.Update),
		QueueDelete:       messaging.RequestHandlerFunc(s.Delete),
		QueueAuthenticate: messaging.RequestHandlerFunc(s.Authenticate),
	}
}

type idRequest struct {
	ID int64 `json:"id"`
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Create registers a user and answers 201 {"id": ...}
func (s *Service) Create(ctx context.Context, req *messaging.InboundRequest) (*messaging.ResponseEnvelope, error) {
	var in CreateInput
	if err := req.Bind(&in); err != nil {
		return nil, badRequest(err)
	}
	in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, toAppError(err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	u := &User{
		Name:         in.Name,
		Email:        in.Email,
		PasswordHash: hash,
		CellPhone:    in.CellPhone,
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return nil, toAppError(err)
	}

	s.logger.Info("user created", "id", u.ID)
	s.emit(ctx, EventCreated, u)

	return messaging.Respond(http.StatusCreated, idRequest{ID: u.ID})
}

// Get answers the user with the requested id
func (s *Service) Get(ctx context.Context, req *messaging.InboundRequest) (*messaging.ResponseEnvelope, error) {
	id, err := bindID(req)
	if err != nil {
		return nil, err
	}

	u, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, toAppError(err)
	}
	return messaging.Respond(http.StatusOK, u)
}

// List answers a page of users
func (s *Service) List(ctx context.Context, req *messaging.InboundRequest) (*messaging.ResponseEnvelope, error) {
	var opts ListOptions
	if err := req.Bind(&opts); err != nil {
		return nil, badRequest(err)
	}

	list, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	return messaging.Respond(http.StatusOK, list)
}

// Update changes the fields present in the request
func (s *Service) Update(ctx context.Context, req *messaging.InboundRequest) (*messaging.ResponseEnvelope, error) {
	var in UpdateInput
	if err := req.Bind(&in); err != nil {
		return nil, badRequest(err)
	}
	if err := in.Validate(); err != nil {
		return nil, toAppError(err)
	}

	u, err := s.repo.FindByID(ctx, in.ID)
	if err != nil {
		return nil, toAppError(err)
	}

	if in.Name != nil {
		u.Name = strings.TrimSpace(*in.Name)
	}
	if in.Email != nil {
		u.Email = strings.ToLower(strings.TrimSpace(*in.Email))
	}
	if in.CellPhone != nil {
		u.CellPhone = strings.TrimSpace(*in.CellPhone)
	}
	if in.Password != nil {
		hash, err := s.hasher.Hash(*in.Password)
		if err != nil {
			return nil, err
		}
		u.PasswordHash = hash
	}

	if err := s.repo.Update(ctx, u); err != nil {
		return nil, toAppError(err)
	}

	s.emit(ctx, EventUpdated, u)
	return messaging.Respond(http.StatusOK, u)
}

// Delete removes a user and answers 204
func (s *Service) Delete(ctx context.Context, req *messaging.InboundRequest) (*messaging.ResponseEnvelope, error) {
	id, err := bindID(req)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return nil, toAppError(err)
	}

	s.emit(ctx, EventDeleted, &User{ID: id})
	return messaging.RespondMessage(http.StatusNoContent, messaging.DefaultResponseMessage), nil
}

// Authenticate checks an email and password pair and answers the user
func (s *Service) Authenticate(ctx context.Context, req *messaging.InboundRequest) (*messaging.ResponseEnvelope, error) {
	var in credentials
	if err := req.Bind(&in); err != nil {
		return nil, badRequest(err)
	}

	u, err := s.repo.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(in.Email)))
	if errors.Is(err, ErrNotFound) {
		return nil, messaging.NewAppError(http.StatusUnauthorized, "invalid credentials")
	}
	if err != nil {
		return nil, err
	}

	if err := s.hasher.Verify(u.PasswordHash, in.Password); err != nil {
		if errors.Is(err, ErrPasswordMismatch) {
			return nil, messaging.NewAppError(http.StatusUnauthorized, "invalid credentials")
		}
		return nil, err
	}
	return messaging.Respond(http.StatusOK, u)
}

// emit publishes a change event. The change is already stored, so a publish
// failure is logged and not returned.
func (s *Service) emit(ctx context.Context, event string, u *User) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, QueueEvents, UserEvent{
		Event: event,
		ID:    u.ID,
		Email: u.Email,
		At:    time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("failed to publish user event", "event", event, "id", u.ID, "error", err)
	}
}

func bindID(req *messaging.InboundRequest) (int64, error) {
	var in idRequest
	if err := req.Bind(&in); err != nil {
		return 0, badRequest(err)
	}
	if in.ID <= 0 {
		return 0, toAppError(&ValidationError{Field: "id", Reason: "is required"})
	}
	return in.ID, nil
}

func badRequest(err error) error {
	return messaging.NewAppError(http.StatusBadRequest, "invalid request body: "+err.Error())
}

// toAppError maps domain errors onto the status the caller sees. Anything
// unrecognised is returned unchanged and answered as a 500.
func toAppError(err error) error {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return messaging.NewAppError(http.StatusBadRequest, verr.Error())
	case errors.Is(err, ErrNotFound):
		return messaging.NewAppError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateEmail):
		return messaging.NewAppError(http.StatusConflict, err.Error())
	default:
		return err
	}
}
