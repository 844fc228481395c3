// Package admin implements the operator-facing operations: registering
// services, reviewing snapshots and diffs, and approving drifted
// capability surfaces back into service.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/mcpguardian/mcpguardian/internal/registry"
	"github.com/mcpguardian/mcpguardian/internal/snapshot"
	"github.com/mcpguardian/mcpguardian/internal/store"
)

// ValidationError reports rejected admin input. The API layer maps it
// to a 400 response.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// nameRe keeps service names safe to embed in proxy paths.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// taker is the snapshot surface the admin service needs.
type taker interface {
	Take(ctx context.Context, url string) (*snapshot.Result, error)
}

// Service carries out admin operations against the store and keeps the
// routing table in sync after every mutation.
type Service struct {
	store        store.Store
	snaps        taker
	registry     *registry.Registry
	baseURL      string
	minCheckFreq int
	logger       *slog.Logger
}

func NewService(st store.Store, snaps taker, reg *registry.Registry, baseURL string, minCheckFreq int, logger *slog.Logger) *Service {
	if minCheckFreq <= 0 {
		minCheckFreq = 5
	}
	return &Service{
		store:        st,
		snaps:        snaps,
		registry:     reg,
		baseURL:      strings.TrimRight(baseURL, "/"),
		minCheckFreq: minCheckFreq,
		logger:       logger,
	}
}

// ServiceView is a service plus its review state.
type ServiceView struct {
	Name                  string    `json:"name"`
	UpstreamURL           string    `json:"upstream_url"`
	Enabled               bool      `json:"enabled"`
	CheckFrequencyMinutes int       `json:"check_frequency_minutes"`
	Source                string    `json:"source"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
	LatestStatus          string    `json:"latest_status,omitempty"`
	LatestApprovedHash    string    `json:"latest_approved_hash,omitempty"`
}

// CreateParams registers a new upstream service.
type CreateParams struct {
	Name                  string `json:"name"`
	UpstreamURL           string `json:"upstream_url"`
	Enabled               *bool  `json:"enabled"`
	CheckFrequencyMinutes int    `json:"check_frequency_minutes"`
}

// UpdateParams patches an existing service; nil fields are unchanged.
type UpdateParams struct {
	UpstreamURL           *string `json:"upstream_url"`
	Enabled               *bool   `json:"enabled"`
	CheckFrequencyMinutes *int    `json:"check_frequency_minutes"`
}

// DiffResult compares the latest snapshot against the approved baseline.
type DiffResult struct {
	BaselineID   string            `json:"baseline_id"`
	BaselineHash string            `json:"baseline_hash"`
	LatestID     string            `json:"latest_id"`
	LatestHash   string            `json:"latest_hash"`
	Changes      []snapshot.Change `json:"changes"`
}

// Create validates the request, snapshots the upstream, and registers
// the service with that snapshot as its approved baseline. Nothing is
// written when the upstream cannot be snapshotted.
func (s *Service) Create(ctx context.Context, p CreateParams) (*ServiceView, error) {
	if !nameRe.MatchString(p.Name) {
		return nil, &ValidationError{Field: "name",
			Message: "must be 1-64 characters of letters, digits, underscore, or hyphen"}
	}
	if err := validateURL(p.UpstreamURL); err != nil {
		return nil, err
	}
	if err := s.validateFrequency(p.CheckFrequencyMinutes); err != nil {
		return nil, err
	}
	if _, err := s.store.GetServiceByName(ctx, p.Name); err == nil {
		return nil, store.ErrAlreadyExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	result, err := s.snaps.Take(ctx, p.UpstreamURL)
	if err != nil {
		return nil, &ValidationError{Field: "upstream_url",
			Message: fmt.Sprintf("initial snapshot failed: %v", err)}
	}

	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	svc := &store.Service{
		Name:                  p.Name,
		UpstreamURL:           p.UpstreamURL,
		Enabled:               enabled,
		CheckFrequencyMinutes: p.CheckFrequencyMinutes,
		Source:                "api",
	}
	err = s.store.Tx(ctx, func(tx store.Store) error {
		if err := tx.CreateService(ctx, svc); err != nil {
			return err
		}
		return tx.InsertSnapshot(ctx, &store.Snapshot{
			ServiceID: svc.ID,
			Payload:   result.Payload,
			Hash:      result.Hash,
			Status:    store.StatusUserApproved,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("service registered",
		"service", svc.Name, "upstream", svc.UpstreamURL, "hash", result.Hash)

	if err := s.registry.Reload(ctx); err != nil {
		return nil, err
	}
	return s.view(ctx, svc)
}

// List returns all services with their review state, sorted by name.
func (s *Service) List(ctx context.Context) ([]ServiceView, error) {
	services, err := s.store.ListServices(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ServiceView, 0, len(services))
	for i := range services {
		v, err := s.view(ctx, &services[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// Get returns one service with its review state.
func (s *Service) Get(ctx context.Context, name string) (*ServiceView, error) {
	svc, err := s.store.GetServiceByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, svc)
}

// Update patches a service. A changed upstream URL is treated like new
// drift: the new surface is snapshotted unapproved and the service is
// disabled until someone approves it.
func (s *Service) Update(ctx context.Context, name string, p UpdateParams) (*ServiceView, error) {
	svc, err := s.store.GetServiceByName(ctx, name)
	if err != nil {
		return nil, err
	}

	if p.Enabled != nil {
		svc.Enabled = *p.Enabled
	}
	if p.CheckFrequencyMinutes != nil {
		if err := s.validateFrequency(*p.CheckFrequencyMinutes); err != nil {
			return nil, err
		}
		svc.CheckFrequencyMinutes = *p.CheckFrequencyMinutes
	}

	urlChanged := p.UpstreamURL != nil && *p.UpstreamURL != svc.UpstreamURL
	var result *snapshot.Result
	if urlChanged {
		if err := validateURL(*p.UpstreamURL); err != nil {
			return nil, err
		}
		result, err = s.snaps.Take(ctx, *p.UpstreamURL)
		if err != nil {
			return nil, &ValidationError{Field: "upstream_url",
				Message: fmt.Sprintf("snapshot of new upstream failed: %v", err)}
		}
		svc.UpstreamURL = *p.UpstreamURL
		svc.Enabled = false
	}

	err = s.store.Tx(ctx, func(tx store.Store) error {
		if err := tx.UpdateService(ctx, svc); err != nil {
			return err
		}
		if !urlChanged {
			return nil
		}
		return tx.InsertSnapshot(ctx, &store.Snapshot{
			ServiceID: svc.ID,
			Payload:   result.Payload,
			Hash:      result.Hash,
			Status:    store.StatusUnapproved,
		})
	})
	if err != nil {
		return nil, err
	}

	if urlChanged {
		s.logger.Info("service upstream changed, disabled pending review",
			"service", svc.Name, "upstream", svc.UpstreamURL)
	}

	if err := s.registry.Reload(ctx); err != nil {
		return nil, err
	}
	return s.view(ctx, svc)
}

// Delete removes a service and, via cascade, its snapshot history.
func (s *Service) Delete(ctx context.Context, name string) error {
	svc, err := s.store.GetServiceByName(ctx, name)
	if err != nil {
		return err
	}
	if err := s.store.DeleteService(ctx, svc.ID); err != nil {
		return err
	}
	s.logger.Info("service deleted", "service", name)
	return s.registry.Reload(ctx)
}

// Snapshots lists recent snapshots for a service, newest first.
func (s *Service) Snapshots(ctx context.Context, name string, limit int) ([]store.Snapshot, error) {
	svc, err := s.store.GetServiceByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.store.ListSnapshots(ctx, svc.ID, limit)
}

// LatestSnapshot returns the most recent snapshot for a service.
func (s *Service) LatestSnapshot(ctx context.Context, name string) (*store.Snapshot, error) {
	svc, err := s.store.GetServiceByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.store.LatestSnapshot(ctx, svc.ID)
}

// Snapshot returns one snapshot by id, scoped to the named service.
func (s *Service) Snapshot(ctx context.Context, name, id string) (*store.Snapshot, error) {
	svc, err := s.store.GetServiceByName(ctx, name)
	if err != nil {
		return nil, err
	}
	sn, err := s.store.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if sn.ServiceID != svc.ID {
		return nil, store.ErrNotFound
	}
	return sn, nil
}

// Diff compares the latest snapshot against the approved baseline.
// When the latest snapshot is itself approved there is nothing pending
// and the change list is empty.
func (s *Service) Diff(ctx context.Context, name string) (*DiffResult, error) {
	svc, err := s.store.GetServiceByName(ctx, name)
	if err != nil {
		return nil, err
	}
	baseline, err := s.store.LatestApprovedSnapshot(ctx, svc.ID)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestSnapshot(ctx, svc.ID)
	if err != nil {
		return nil, err
	}

	out := &DiffResult{
		BaselineID:   baseline.ID,
		BaselineHash: baseline.Hash,
		LatestID:     latest.ID,
		LatestHash:   latest.Hash,
		Changes:      []snapshot.Change{},
	}
	if latest.ID == baseline.ID {
		return out, nil
	}
	changes, err := snapshot.Diff(baseline.Payload, latest.Payload)
	if err != nil {
		return nil, err
	}
	out.Changes = changes
	return out, nil
}

// ApproveLatest marks the latest snapshot user approved and re-enables
// the service. When the latest snapshot is already approved this is a
// no-op success.
func (s *Service) ApproveLatest(ctx context.Context, name string) (*ServiceView, error) {
	svc, err := s.store.GetServiceByName(ctx, name)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestSnapshot(ctx, svc.ID)
	if err != nil {
		return nil, err
	}

	if !latest.Status.Approved() {
		err = s.store.Tx(ctx, func(tx store.Store) error {
			if err := tx.UpdateSnapshotStatus(ctx, latest.ID, store.StatusUserApproved); err != nil {
				return err
			}
			svc.Enabled = true
			return tx.UpdateService(ctx, svc)
		})
		if err != nil {
			return nil, err
		}
		s.logger.Info("snapshot approved, service re-enabled",
			"service", name, "snapshot", latest.ID, "hash", latest.Hash)
		if err := s.registry.Reload(ctx); err != nil {
			return nil, err
		}
	}
	return s.view(ctx, svc)
}

// ClientConfig returns the MCP client configuration snippet that points
// a client at the guarded route instead of the raw upstream.
func (s *Service) ClientConfig(ctx context.Context, name string) (json.RawMessage, error) {
	svc, err := s.store.GetServiceByName(ctx, name)
	if err != nil {
		return nil, err
	}
	cfg := map[string]any{
		"mcpServers": map[string]any{
			svc.Name: map[string]any{
				"type": "http",
				"url":  fmt.Sprintf("%s/%s/mcp", s.baseURL, svc.Name),
			},
		},
	}
	return json.Marshal(cfg)
}

func (s *Service) view(ctx context.Context, svc *store.Service) (*ServiceView, error) {
	v := &ServiceView{
		Name:                  svc.Name,
		UpstreamURL:           svc.UpstreamURL,
		Enabled:               svc.Enabled,
		CheckFrequencyMinutes: svc.CheckFrequencyMinutes,
		Source:                svc.Source,
		CreatedAt:             svc.CreatedAt,
		UpdatedAt:             svc.UpdatedAt,
	}

	latest, err := s.store.LatestSnapshot(ctx, svc.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return v, nil
	case err != nil:
		return nil, err
	}
	v.LatestStatus = string(latest.Status)

	approved, err := s.store.LatestApprovedSnapshot(ctx, svc.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return v, nil
	case err != nil:
		return nil, err
	}
	v.LatestApprovedHash = approved.Hash
	return v, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: "upstream_url",
			Message: "must be an absolute http or https URL"}
	}
	return nil
}

func (s *Service) validateFrequency(minutes int) error {
	if minutes == 0 {
		return nil
	}
	if minutes < s.minCheckFreq {
		return &ValidationError{Field: "check_frequency_minutes",
			Message: fmt.Sprintf("must be 0 (manual only) or at least %d", s.minCheckFreq)}
	}
	return nil
}
