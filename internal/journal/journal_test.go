package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/procjournal/pkg/types"
)

func openJournal(t *testing.T) (*FileBackend, *Journal) {
	t.Helper()
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	s, err := b.Create(context.Background(), "run-1")
	require.NoError(t, err)
	j, err := Open(context.Background(), s, WithClock(func() time.Time { return fixedTime }))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return b, j
}

func created() RunCreated {
	return RunCreated{RunID: "run-1", ProcessID: "p", Entrypoint: "main"}
}

func requested(id types.EffectID, key string) EffectRequested {
	return EffectRequested{EffectID: id, InvocationKey: key, StepID: "s", TaskID: "t", Kind: types.KindShell, TaskDefRef: "r"}
}

func TestJournalRequiresRunCreatedFirst(t *testing.T) {
	_, j := openJournal(t)
	_, err := j.Append(context.Background(), requested("e1", "p:a"))
	var ie *IntegrityError
	assert.ErrorAs(t, err, &ie)
	assert.Zero(t, j.Len())
}

func TestJournalRejectsStructuralViolations(t *testing.T) {
	ctx := context.Background()
	_, j := openJournal(t)
	_, err := j.Append(ctx, created())
	require.NoError(t, err)
	_, err = j.Append(ctx, requested("e1", "p:a"))
	require.NoError(t, err)

	var ie *IntegrityError
	_, err = j.Append(ctx, created())
	assert.ErrorAs(t, err, &ie, "second RUN_CREATED")

	_, err = j.Append(ctx, requested("e1", "p:b"))
	assert.ErrorAs(t, err, &ie, "duplicate effect id")

	_, err = j.Append(ctx, requested("e2", "p:a"))
	assert.ErrorAs(t, err, &ie, "duplicate invocation key")

	_, err = j.Append(ctx, EffectResolved{EffectID: "nope", Status: types.ResultOK})
	assert.ErrorAs(t, err, &ie, "resolve without request")

	assert.True(t, j.IsPending("e1"))
	_, err = j.Append(ctx, EffectResolved{EffectID: "e1", Status: types.ResultOK})
	require.NoError(t, err)
	assert.False(t, j.IsPending("e1"))

	_, err = j.Append(ctx, EffectResolved{EffectID: "e1", Status: types.ResultOK})
	assert.ErrorAs(t, err, &ie, "double resolve")

	assert.Equal(t, 3, j.Len())
}

func TestJournalTerminalExclusivity(t *testing.T) {
	ctx := context.Background()
	_, j := openJournal(t)
	_, err := j.Append(ctx, created())
	require.NoError(t, err)
	_, err = j.Append(ctx, requested("e1", "p:a"))
	require.NoError(t, err)
	_, err = j.Append(ctx, RunFailed{Error: types.ErrorInfo{Name: types.ErrNameCancelled}})
	require.NoError(t, err)
	assert.True(t, j.Terminal())

	for _, p := range []Payload{
		RunCompleted{},
		RunFailed{Error: types.ErrorInfo{Name: "X"}},
		requested("e2", "p:b"),
		EffectResolved{EffectID: "e1", Status: types.ResultOK},
	} {
		_, err := j.Append(ctx, p)
		assert.ErrorIs(t, err, ErrTerminal)
	}
	assert.Equal(t, 3, j.Len())

	// Late outcomes are still kept, outside the ordered journal.
	require.NoError(t, j.AppendAudit(ctx, EffectResolved{EffectID: "e1", Status: types.ResultOK}))
	audit, err := j.Store().ReadAudit(ctx)
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestJournalReopenValidatesStoredSequence(t *testing.T) {
	ctx := context.Background()
	b, j := openJournal(t)
	_, err := j.Append(ctx, created())
	require.NoError(t, err)
	_, err = j.Append(ctx, RunCompleted{})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	// Bypass the guard to write an event after the terminal one.
	s, err := b.Open(ctx, "run-1")
	require.NoError(t, err)
	_, err = s.Append(ctx, mustEvent(t, requested("e1", "p:a")))
	require.NoError(t, err)

	_, err = Verify(ctx, s)
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, uint64(3), ie.Seq)
	require.NoError(t, s.Close())
}

func TestJournalRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	_, j := openJournal(t)
	_, err := j.Append(ctx, created())
	require.NoError(t, err)

	recs := j.Records()
	recs[0].Event.Type = EventRunFailed
	assert.Equal(t, EventRunCreated, j.Records()[0].Event.Type)
	assert.Equal(t, fixedTime.Truncate(time.Millisecond), j.Records()[0].Event.RecordedAt)
}
