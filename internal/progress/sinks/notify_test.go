package sinks_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/article-ingest/internal/progress"
	"github.com/JakeFAU/article-ingest/internal/progress/sinks"
	"github.com/JakeFAU/article-ingest/internal/publisher/memory"
)

func TestNotifySinkPublishesTerminalEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink, err := sinks.NewNotifySink(pub, "jobs-finished", nil)
	require.NoError(t, err)

	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "j1", Kind: "crawl", Owner: "daily", TS: at, Stage: progress.StageJobStart},
		{JobID: "j1", Kind: "crawl", Owner: "daily", TS: at, Stage: progress.StageItemDone, Outcome: progress.OutcomeProcessed},
		{
			JobID: "j1", Kind: "crawl", Owner: "daily", TS: at, Stage: progress.StageJobError,
			Processed: 4, Failed: 6, Dur: 2 * time.Second, Note: "persistence failure rate 0.60",
		},
	}))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "jobs-finished", msgs[0].Topic)
	require.Len(t, pub.Notifications("jobs-finished"), 1)
	require.Empty(t, pub.Notifications("other"))
	require.Equal(t, sinks.JobNotification{
		JobID: "j1", Kind: "crawl", OwnerID: "daily", Stage: "JOB_ERROR",
		Processed: 4, Failed: 6, DurationMS: 2000,
		Error: "persistence failure rate 0.60", FinishedAt: at,
	}, msgs[0].Payload)
}

func TestNotifySinkReportsPublishFailure(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.FailWith(errors.New("topic gone"))
	sink, err := sinks.NewNotifySink(pub, "t", nil)
	require.NoError(t, err)
	err = sink.Consume(context.Background(), []progress.Event{{JobID: "j", Stage: progress.StageJobDone}})
	require.ErrorContains(t, err, "topic gone")

	_, err = sinks.NewNotifySink(nil, "t", nil)
	require.Error(t, err)
	_, err = sinks.NewNotifySink(memory.New(), "", nil)
	require.Error(t, err)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := sinks.NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "j", Stage: progress.StageItemDone, Outcome: progress.OutcomeSkipped},
		{JobID: "j", Stage: progress.StageJobDone, Processed: 3, Dur: time.Second},
	}))

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "progress event", entries[0].Message)
	require.Equal(t, "JOB_DONE", entries[0].ContextMap()["stage"])
	require.EqualValues(t, 3, entries[0].ContextMap()["processed"])
}
