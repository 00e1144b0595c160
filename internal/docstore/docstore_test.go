package docstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type flakyStore struct {
	failures int
	calls    int
	err      error
}

func (f *flakyStore) Get(ctx context.Context, id string) (Metadata, error) {
	return Metadata{ID: id}, nil
}

func (f *flakyStore) UpdateState(ctx context.Context, id, state, remarks string) error {
	f.calls++
	if f.calls <= f.failures {
		if f.err != nil {
			return f.err
		}
		return errors.New("transient")
	}
	return nil
}

func TestRetryingRecoversFromTransientFailure(t *testing.T) {
	next := &flakyStore{failures: 2}
	r := Retrying{Next: next}
	err := r.UpdateState(context.Background(), "doc-1", "FORM_ACCEPTED", "")
	require.NoError(t, err)
	require.Equal(t, 3, next.calls)
}

func TestRetryingGivesUpAfterAttempts(t *testing.T) {
	next := &flakyStore{failures: 10}
	r := Retrying{Next: next, Attempts: 2}
	err := r.UpdateState(context.Background(), "doc-1", "FORM_ACCEPTED", "")
	require.Error(t, err)
	require.Equal(t, 2, next.calls)
}

func TestRetryingDoesNotRetryNotFound(t *testing.T) {
	next := &flakyStore{failures: 10, err: ErrNotFound}
	r := Retrying{Next: next}
	err := r.UpdateState(context.Background(), "doc-1", "FORM_ACCEPTED", "")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 1, next.calls)
}

func TestMetadataRecipients(t *testing.T) {
	m := Metadata{DirectorEmail: "dir@uni.test", StudentEmails: []string{"a@uni.test", "b@uni.test"}}
	require.Equal(t, []string{"dir@uni.test", "a@uni.test", "b@uni.test"}, m.Recipients())
	require.Equal(t, []string{"a@uni.test"}, Metadata{StudentEmails: []string{"a@uni.test"}}.Recipients())
	require.Empty(t, Metadata{}.Recipients())
}
