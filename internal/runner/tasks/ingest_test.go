package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gotrs-io/helpdesk/internal/apperrors"
	"github.com/gotrs-io/helpdesk/internal/config"
	"github.com/gotrs-io/helpdesk/internal/email/inbound/postmaster"
)

type stubIngester struct {
	opts    []postmaster.Options
	summary postmaster.Summary
	err     error
}

func (s *stubIngester) Run(_ context.Context, opts postmaster.Options) (postmaster.Summary, error) {
	s.opts = append(s.opts, opts)
	return s.summary, s.err
}

func TestIngestTaskDefaults(t *testing.T) {
	task := NewIngestTask(&stubIngester{}, config.IngestConfig{}, nil)
	assert.Equal(t, IngestTaskName, task.Name())
	assert.Equal(t, "0 */5 * * * *", task.Schedule())
	assert.Equal(t, 4*time.Minute, task.Timeout())
	assert.Zero(t, task.Limit())
}

func TestIngestTaskPassesLimit(t *testing.T) {
	ing := &stubIngester{summary: postmaster.Summary{Created: 2}}
	task := NewIngestTask(ing, config.IngestConfig{Schedule: "*/30 * * * * *", Limit: 25}, nil)

	require.NoError(t, task.Run(context.Background()))
	task.Reconfigure(config.IngestConfig{Limit: 10})
	require.NoError(t, task.Run(context.Background()))

	require.Len(t, ing.opts, 2)
	assert.Equal(t, 25, ing.opts[0].Limit)
	assert.Equal(t, 10, ing.opts[1].Limit)
	assert.False(t, ing.opts[0].DryRun)
}

func TestIngestTaskSkipsWhenLocked(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	task := NewIngestTask(&stubIngester{err: apperrors.ErrRunInProgress}, config.IngestConfig{}, zap.New(core))

	require.NoError(t, task.Run(context.Background()))
	assert.Equal(t, 1, logs.FilterMessage("ingestion already running, skipping tick").Len())
}

func TestIngestTaskPropagatesTransportFailure(t *testing.T) {
	boom := apperrors.NewTransportError("imap auth", errors.New("bad credentials"))
	task := NewIngestTask(&stubIngester{err: boom}, config.IngestConfig{}, nil)

	err := task.Run(context.Background())
	var transport *apperrors.TransportError
	require.ErrorAs(t, err, &transport)
}

func TestIngestTaskWarnsOnMessageErrors(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	task := NewIngestTask(&stubIngester{summary: postmaster.Summary{Created: 1, Errors: 2}}, config.IngestConfig{}, zap.New(core))

	require.NoError(t, task.Run(context.Background()))
	entries := logs.FilterMessage("ingestion finished with message errors").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].ContextMap()["errors"])
}
