package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribehub/scribed/pkg/models"
)

func TestCreateWithAutoProcess(t *testing.T) {
	jobs, subs, _ := newTestServices(t)
	ctx := context.Background()

	path := "/audio/meeting.wav"
	sub, job, err := subs.Create(ctx, CreateSubmissionParams{
		Filename:         "stored.wav",
		OriginalFilename: "meeting.wav",
		FilePath:         &path,
		MimeType:         "audio/wav",
		SizeBytes:        2048,
		AutoProcess:      true,
		Provider:         "local",
	})
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionPending, sub.Status)
	require.NotNil(t, job)
	assert.Equal(t, models.JobTranscribe, job.JobType)
	assert.Equal(t, true, job.Metadata["autoSummarize"])
	require.NotNil(t, job.SubmissionID)
	assert.Equal(t, sub.ID, *job.SubmissionID)

	linked, err := jobs.ListBySubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, linked, 1)
}

func TestCreateAutoProcessRequiresFilePath(t *testing.T) {
	_, subs, _ := newTestServices(t)

	_, _, err := subs.Create(context.Background(), CreateSubmissionParams{
		Filename:         "stored.wav",
		OriginalFilename: "meeting.wav",
		MimeType:         "audio/wav",
		AutoProcess:      true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)

	// The transaction rolled back: no submission row either.
	result, err := subs.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, result.Total)
}

func TestGenerateUniqueDisplayName(t *testing.T) {
	_, subs, _ := newTestServices(t)
	ctx := context.Background()

	name, err := subs.GenerateUniqueDisplayName(ctx, "hello.flac")
	require.NoError(t, err)
	assert.Equal(t, "hello.flac", name)

	create := func(display string) {
		_, _, err := subs.Create(ctx, CreateSubmissionParams{
			Filename:         display,
			OriginalFilename: display,
			MimeType:         "audio/flac",
		})
		require.NoError(t, err)
	}

	create("hello.flac")
	name, err = subs.GenerateUniqueDisplayName(ctx, "hello.flac")
	require.NoError(t, err)
	assert.Equal(t, "hello_1.flac", name)

	create("hello_1.flac")
	name, err = subs.GenerateUniqueDisplayName(ctx, "hello.flac")
	require.NoError(t, err)
	assert.Equal(t, "hello_2.flac", name)

	// An unrelated name with a similar prefix does not collide.
	create("helloworld.flac")
	name, err = subs.GenerateUniqueDisplayName(ctx, "hello.flac")
	require.NoError(t, err)
	assert.Equal(t, "hello_2.flac", name)
}

func TestListFilters(t *testing.T) {
	_, subs, _ := newTestServices(t)
	ctx := context.Background()

	durations := []float64{5, 60, 300}
	for i, d := range durations {
		dur := d
		_, _, err := subs.Create(ctx, CreateSubmissionParams{
			Filename:         string(rune('a'+i)) + ".wav",
			OriginalFilename: string(rune('a'+i)) + ".wav",
			MimeType:         "audio/wav",
			DurationSeconds:  &dur,
		})
		require.NoError(t, err)
	}

	min := 30.0
	result, err := subs.List(ctx, ListFilter{MinDuration: &min})
	require.NoError(t, err)
	assert.EqualValues(t, 2, result.Total)

	max := 100.0
	result, err = subs.List(ctx, ListFilter{MinDuration: &min, MaxDuration: &max})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "b.wav", result.Rows[0].Filename)

	result, err = subs.List(ctx, ListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)
	assert.EqualValues(t, 3, result.Total)
}

func TestFailUnlessTerminal(t *testing.T) {
	_, subs, _ := newTestServices(t)
	ctx := context.Background()

	sub, _, err := subs.Create(ctx, CreateSubmissionParams{
		Filename:         "a.wav",
		OriginalFilename: "a.wav",
		MimeType:         "audio/wav",
	})
	require.NoError(t, err)

	require.NoError(t, subs.FailUnlessTerminal(ctx, sub.ID, "boom"))
	got, err := subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "boom", *got.ErrorMessage)

	// A completed submission stays completed.
	sub2, _, err := subs.Create(ctx, CreateSubmissionParams{
		Filename:         "b.wav",
		OriginalFilename: "b.wav",
		MimeType:         "audio/wav",
	})
	require.NoError(t, err)
	require.NoError(t, subs.UpdateStatus(ctx, sub2.ID, models.SubmissionCompleted, nil))
	require.NoError(t, subs.FailUnlessTerminal(ctx, sub2.ID, "late failure"))
	got, err = subs.Get(ctx, sub2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionCompleted, got.Status)
}

func TestFinalizeStream(t *testing.T) {
	_, subs, _ := newTestServices(t)
	ctx := context.Background()

	sub, _, err := subs.Create(ctx, CreateSubmissionParams{
		Filename:         "stream.wav",
		OriginalFilename: "stream.wav",
		MimeType:         "audio/wav",
		Status:           models.SubmissionStreaming,
	})
	require.NoError(t, err)

	require.NoError(t, subs.FinalizeStream(ctx, sub.ID, 64044, 2.0))
	got, err := subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionCompleted, got.Status)
	assert.EqualValues(t, 64044, got.SizeBytes)
	require.NotNil(t, got.DurationSeconds)
	assert.InDelta(t, 2.0, *got.DurationSeconds, 0.001)
}

func TestDeleteCascades(t *testing.T) {
	jobs, subs, chunks := newTestServices(t)
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "rec.wav")
	require.NoError(t, os.WriteFile(path, []byte("riff"), 0o644))

	sub, job, err := subs.Create(ctx, CreateSubmissionParams{
		Filename:         "rec.wav",
		OriginalFilename: "rec.wav",
		FilePath:         &path,
		MimeType:         "audio/wav",
		AutoProcess:      true,
		Provider:         "local",
	})
	require.NoError(t, err)

	_, err = chunks.CreateSession(ctx, "sess-del", sub.ID, nil)
	require.NoError(t, err)
	chunk, err := chunks.CreateChunk(ctx, CreateChunkParams{
		SessionID:   "sess-del",
		ChunkIndex:  0,
		Transcript:  "bye",
		StartTimeMs: 0,
		EndTimeMs:   500,
	})
	require.NoError(t, err)

	found, err := subs.Delete(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, found)

	_, err = subs.Get(ctx, sub.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = jobs.Get(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = chunks.GetSession(ctx, "sess-del")
	assert.ErrorIs(t, err, ErrNotFound)
	rows, err := chunks.ChunksForSessionWithAnalysis(ctx, "sess-del")
	require.NoError(t, err)
	assert.Empty(t, rows, "chunk %d should be gone", chunk.ID)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "file should be unlinked")

	// Deleting again reports not found without error.
	found, err = subs.Delete(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, found)
}
