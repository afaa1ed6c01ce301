package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordTaskPassedAndFailedCounters(t *testing.T) {
	r := New()
	require.Equal(t, int64(0), r.TasksPassedCount())
	require.Equal(t, int64(0), r.TasksFailedCount())

	r.RecordTaskPassed()
	r.RecordTaskPassed()
	r.RecordTaskFailed()

	require.Equal(t, int64(2), r.TasksPassedCount())
	require.Equal(t, int64(1), r.TasksFailedCount())
}

func TestRenderProducesPrefixedExpositionFormat(t *testing.T) {
	r := New()
	r.BatchesTotal.Inc()
	r.RecordTaskPassed()

	body, err := r.Render()
	require.NoError(t, err)

	text := string(body)
	require.True(t, strings.Contains(text, "term_executor_batches_total"))
	require.True(t, strings.Contains(text, "term_executor_tasks_passed"))
}

func TestHandlerIsNonNil(t *testing.T) {
	r := New()
	require.NotNil(t, r.Handler())
}
