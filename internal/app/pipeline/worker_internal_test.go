package pipeline

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/domain/model"
	"github.com/os2datascanner/engine/internal/domain/rules"
	"github.com/os2datascanner/engine/internal/infra/sources/data"
	"github.com/os2datascanner/engine/pkg/common/logger"
	"github.com/os2datascanner/engine/pkg/common/otel"
)

func TestWorkerWarnsAboutIndependentSourcesFromDerivedExploration(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		warns []logger.Record
	)
	log := logger.NewWithEvents(io.Discard, logger.LevelDebug, "test", nil, logger.Events{
		Warn: func(_ context.Context, r logger.Record) {
			mu.Lock()
			defer mu.Unlock()
			warns = append(warns, r)
		},
	})
	w := NewWorker(Deps{
		SourceManager: model.NewSourceManager(1),
		Retrier:       NewRetrier(time.Second, 1),
		Logger:        log,
		Tracer:        otel.NoopTracer(),
	})

	spec := messages.ScanSpec{
		ScanTag: messages.NewScanTag(time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC),
			messages.Scanner{PK: 3, Name: "Mail"}, messages.Organisation{Name: "Vejstrand Kommune"}),
		Source:        data.New([]byte("hello"), "text/plain", "hello.txt"),
		Rule:          rules.MustRegexRule("x"),
		Configuration: map[string]any{},
	}

	var emitted []Output
	err := w.dispatch(context.Background(), messages.QueueScanSpecs, spec.ToJSON(), true, func(o Output) error {
		emitted = append(emitted, o)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, emitted)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, warns, 1)
	assert.Equal(t, "independent source found by derived exploration is not scanned", warns[0].Message)
	assert.Equal(t, "data", warns[0].Attributes["source"])
}
