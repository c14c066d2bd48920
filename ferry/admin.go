package ferry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/bookferry/ferry/internal/deliver"
	"github.com/hazyhaar/bookferry/ferry/internal/store"
)

const (
	maxNameLen    = 200
	maxFeedKeyLen = 256
	maxPathLen    = 4096
)

// Book and Destination are the admin-facing rows.
type (
	Book        = store.Book
	Destination = store.Destination
)

// DestinationInput holds the mutable fields of a destination.
type DestinationInput struct {
	Name          string `json:"name"`
	FeedKey       string `json:"feed_key"`
	DeliveryPath  string `json:"delivery_path"`
	NotifyAddress string `json:"notify_address,omitempty"`
}

func (s *Service) validateDestination(in *DestinationInput) error {
	in.Name = strings.TrimSpace(in.Name)
	in.FeedKey = strings.TrimSpace(in.FeedKey)
	in.DeliveryPath = strings.TrimSpace(in.DeliveryPath)
	in.NotifyAddress = strings.TrimSpace(in.NotifyAddress)

	if in.Name == "" || len(in.Name) > maxNameLen {
		return fmt.Errorf("%w: name is required (at most %d bytes)", ErrInvalidInput, maxNameLen)
	}
	if in.FeedKey == "" || len(in.FeedKey) > maxFeedKeyLen {
		return fmt.Errorf("%w: feed_key is required (at most %d bytes)", ErrInvalidInput, maxFeedKeyLen)
	}
	if strings.ContainsAny(in.FeedKey, " \t\r\n") {
		return fmt.Errorf("%w: feed_key must not contain whitespace", ErrInvalidInput)
	}
	if in.DeliveryPath == "" || len(in.DeliveryPath) > maxPathLen {
		return fmt.Errorf("%w: delivery_path is required", ErrInvalidInput)
	}
	if strings.HasPrefix(in.DeliveryPath, "s3://") {
		if _, _, err := deliver.ParseS3Path(in.DeliveryPath); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if !s.s3 {
			return fmt.Errorf("%w: s3 delivery path but s3 is not configured", ErrInvalidInput)
		}
	} else if !filepath.IsAbs(in.DeliveryPath) {
		return fmt.Errorf("%w: delivery_path must be absolute or s3://bucket/prefix", ErrInvalidInput)
	}
	return nil
}

func (s *Service) feedKeyTaken(ctx context.Context, key, exceptID string) (bool, error) {
	dests, err := s.store.ListDestinations(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range dests {
		if d.FeedKey == key && d.ID != exceptID {
			return true, nil
		}
	}
	return false, nil
}

// AddDestination creates a destination.
func (s *Service) AddDestination(ctx context.Context, in DestinationInput) (*Destination, error) {
	if err := s.validateDestination(&in); err != nil {
		return nil, err
	}
	taken, err := s.feedKeyTaken(ctx, in.FeedKey, "")
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrDuplicateFeedKey
	}
	d := &Destination{
		Name:          in.Name,
		FeedKey:       in.FeedKey,
		DeliveryPath:  in.DeliveryPath,
		NotifyAddress: in.NotifyAddress,
	}
	if err := s.store.CreateDestination(ctx, d); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateFeedKey
		}
		return nil, err
	}
	s.log.Info("ferry: destination added", "id", d.ID, "name", d.Name)
	return d, nil
}

// UpdateDestination replaces the mutable fields of destination id.
func (s *Service) UpdateDestination(ctx context.Context, id string, in DestinationInput) (*Destination, error) {
	cur, err := s.store.GetDestination(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: destination %s", ErrNotFound, id)
	}
	if err := s.validateDestination(&in); err != nil {
		return nil, err
	}
	taken, err := s.feedKeyTaken(ctx, in.FeedKey, id)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrDuplicateFeedKey
	}
	cur.Name, cur.FeedKey, cur.DeliveryPath, cur.NotifyAddress = in.Name, in.FeedKey, in.DeliveryPath, in.NotifyAddress
	if err := s.store.UpdateDestination(ctx, cur); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: destination %s", ErrNotFound, id)
		}
		if isUniqueViolation(err) {
			return nil, ErrDuplicateFeedKey
		}
		return nil, err
	}
	s.log.Info("ferry: destination updated", "id", id)
	return cur, nil
}

// ListDestinations returns every destination.
func (s *Service) ListDestinations(ctx context.Context) ([]Destination, error) {
	return s.store.ListDestinations(ctx)
}

// ListBooks returns books, newest first, optionally filtered by status.
func (s *Service) ListBooks(ctx context.Context, status string, limit int) ([]*Book, error) {
	switch status {
	case "", store.StatusPending, store.StatusDownloaded, store.StatusFailed:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	return s.store.ListBooks(ctx, status, limit)
}

// ResetBook re-queues a book with a fresh attempt budget. The book is
// picked up by the next cycle.
func (s *Service) ResetBook(ctx context.Context, id string) error {
	if err := s.store.ResetBook(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: book %s", ErrNotFound, id)
		}
		return err
	}
	s.log.Info("ferry: book reset", "id", id)
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
