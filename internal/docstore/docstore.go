// Package docstore is the port to the document service that owns form
// and pre-project documents. In the default deployment the documents
// live in the workflow's own database, but the engine only talks to
// the Store interface so a remote document service can be swapped in.
package docstore

import (
	"context"
	"errors"
	"time"

	"thesisline/internal/repo"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Metadata is the slice of a document the workflow needs: who to
// notify and what state the document is in.
type Metadata struct {
	ID            string
	ProjectID     string
	Type          string
	Title         string
	State         string
	DirectorEmail string
	StudentEmails []string
	Remarks       string
}

// Recipients returns the notification recipients for the document: the
// thesis director followed by the student authors.
func (m Metadata) Recipients() []string {
	out := make([]string, 0, len(m.StudentEmails)+1)
	if m.DirectorEmail != "" {
		out = append(out, m.DirectorEmail)
	}
	out = append(out, m.StudentEmails...)
	return out
}

// Store exposes document metadata reads and state writes.
type Store interface {
	Get(ctx context.Context, id string) (Metadata, error)
	UpdateState(ctx context.Context, id, state, remarks string) error
}

// SQLStore serves the port from the workflow's own documents table.
type SQLStore struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (s SQLStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s SQLStore) Get(ctx context.Context, id string) (Metadata, error) {
	d, err := s.Repo.GetDocument(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return Metadata{}, ErrNotFound
	}
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{
		ID:            d.ID,
		ProjectID:     d.ProjectID,
		Type:          d.Type,
		Title:         d.Title,
		State:         d.State,
		DirectorEmail: d.DirectorEmail,
		StudentEmails: d.StudentEmails,
		Remarks:       d.Remarks,
	}, nil
}

func (s SQLStore) UpdateState(ctx context.Context, id, state, remarks string) error {
	err := s.Repo.UpdateDocumentState(ctx, id, state, remarks, s.now().Format(time.RFC3339))
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Retrying wraps a Store with a bounded retry on state writes. Reads
// are not retried; a document that is missing now will be missing on
// the next attempt too.
type Retrying struct {
	Next     Store
	Attempts int
	Backoff  time.Duration
}

func (r Retrying) attempts() int {
	if r.Attempts > 0 {
		return r.Attempts
	}
	return 3
}

func (r Retrying) Get(ctx context.Context, id string) (Metadata, error) {
	return r.Next.Get(ctx, id)
}

func (r Retrying) UpdateState(ctx context.Context, id, state, remarks string) error {
	var err error
	for i := 0; i < r.attempts(); i++ {
		err = r.Next.UpdateState(ctx, id, state, remarks)
		if err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		if r.Backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.Backoff):
			}
		}
	}
	return err
}
