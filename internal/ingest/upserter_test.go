package ingest

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"paperetl/internal/openalex"
	"paperetl/internal/storage"
)

// fakeRepo scripts upsert outcomes per work id and records what committed.
type fakeRepo struct {
	existing    map[string]bool // ids that upsert as updates
	recordErrs  map[string]bool // ids that fail record-level
	fatalErrs   map[string]bool // ids that fail fatally
	failCommits int             // fail this many commits, then succeed

	begun     int
	committed [][]string // ids per committed chunk
	rolledBak int
}

func (r *fakeRepo) Close()                                           {}
func (r *fakeRepo) EnsureSchema(ctx context.Context, force bool) error { return nil }
func (r *fakeRepo) Query(ctx context.Context, q string, args ...any) (storage.Rows, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeRepo) Begin(ctx context.Context) (storage.Batch, error) {
	r.begun++
	return &fakeBatch{repo: r}, nil
}

type fakeBatch struct {
	repo *fakeRepo
	ids  []string
}

func (b *fakeBatch) Upsert(ctx context.Context, columns []string, row []any) (storage.Outcome, error) {
	id, _ := row[0].(string)
	if b.repo.fatalErrs[id] {
		return storage.Inserted, storage.MarkFatal(errors.New("connection reset"))
	}
	if b.repo.recordErrs[id] {
		return storage.Inserted, errors.New("value too long")
	}
	b.ids = append(b.ids, id)
	if b.repo.existing[id] {
		return storage.Updated, nil
	}
	return storage.Inserted, nil
}

func (b *fakeBatch) Commit(ctx context.Context) error {
	if b.repo.failCommits > 0 {
		b.repo.failCommits--
		return storage.MarkFatal(errors.New("commit failed"))
	}
	b.repo.committed = append(b.repo.committed, b.ids)
	return nil
}

func (b *fakeBatch) Rollback(ctx context.Context) error {
	b.repo.rolledBak++
	return nil
}

func works(ids ...string) []openalex.Work {
	out := make([]openalex.Work, len(ids))
	for i, id := range ids {
		out[i] = openalex.Work{ID: id, Title: "t"}
	}
	return out
}

func quietUpserter(repo *fakeRepo, batchSize int) *Upserter {
	return &Upserter{
		Repo:      repo,
		BatchSize: batchSize,
		Logger:    log.New(io.Discard, "", 0),
	}
}

func TestRunChunksInOrder(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{existing: map[string]bool{"W3": true}}
	u := quietUpserter(repo, 2)

	stats, err := u.Run(context.Background(), works("W1", "W2", "W3", "W4", "W5"), time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if stats.Inserted != 4 || stats.Updated != 1 || stats.Errors != 0 || stats.Skipped != 0 {
		t.Errorf("stats = %+v", stats)
	}
	// ceil(5/2) = 3 chunks, committed in input order.
	if repo.begun != 3 || len(repo.committed) != 3 {
		t.Fatalf("begun = %d, committed = %d chunks", repo.begun, len(repo.committed))
	}
	wantChunks := [][]string{{"W1", "W2"}, {"W3", "W4"}, {"W5"}}
	for i, want := range wantChunks {
		got := repo.committed[i]
		if len(got) != len(want) {
			t.Fatalf("chunk %d = %v, want %v", i, got, want)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Errorf("chunk %d = %v, want %v", i, got, want)
			}
		}
	}
}

func TestRunRecordLevelErrorContinues(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{recordErrs: map[string]bool{"W2": true}}
	u := quietUpserter(repo, 10)

	stats, err := u.Run(context.Background(), works("W1", "W2", "W3"), time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if stats.Inserted != 2 || stats.Errors != 1 {
		t.Errorf("stats = %+v, want 2 inserted / 1 error", stats)
	}
	if repo.rolledBak != 0 {
		t.Errorf("rollbacks = %d, want 0", repo.rolledBak)
	}
	if len(repo.committed) != 1 || len(repo.committed[0]) != 2 {
		t.Errorf("committed = %v", repo.committed)
	}
}

func TestRunUntransformableRecordCountsError(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	u := quietUpserter(repo, 10)

	// No id and nothing to derive one from.
	input := append(works("W1"), openalex.Work{Language: "en"})
	stats, err := u.Run(context.Background(), input, time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Inserted != 1 || stats.Errors != 1 {
		t.Errorf("stats = %+v, want 1 inserted / 1 error", stats)
	}
}

func TestRunFatalErrorFailsChunkOnly(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{fatalErrs: map[string]bool{"W2": true}}
	u := quietUpserter(repo, 2)

	stats, err := u.Run(context.Background(), works("W1", "W2", "W3", "W4"), time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Chunk {W1, W2} dies on W2: both rows count as errors, W1's insert
	// rolls back. Chunk {W3, W4} still commits.
	if stats.Inserted != 2 || stats.Errors != 2 {
		t.Errorf("stats = %+v, want 2 inserted / 2 errors", stats)
	}
	if repo.rolledBak != 1 {
		t.Errorf("rollbacks = %d, want 1", repo.rolledBak)
	}
	if len(repo.committed) != 1 {
		t.Fatalf("committed chunks = %d, want 1", len(repo.committed))
	}
	if got := repo.committed[0]; got[0] != "W3" || got[1] != "W4" {
		t.Errorf("committed = %v, want [W3 W4]", got)
	}
}

func TestRunCommitFailureCountsWholeChunk(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{failCommits: 1}
	u := quietUpserter(repo, 2)

	stats, err := u.Run(context.Background(), works("W1", "W2", "W3"), time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Inserted != 1 || stats.Errors != 2 {
		t.Errorf("stats = %+v, want 1 inserted / 2 errors", stats)
	}
}

func TestRunCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	repo := &fakeRepo{}
	u := quietUpserter(repo, 2)

	_, err := u.Run(ctx, works("W1", "W2"), time.Now())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if repo.begun != 0 {
		t.Errorf("begun = %d, want 0", repo.begun)
	}
}

func TestRunEmptyInput(t *testing.T) {
	t.Parallel()

	u := quietUpserter(&fakeRepo{}, 2)
	stats, err := u.Run(context.Background(), nil, time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats != (Stats{}) {
		t.Errorf("stats = %+v, want zero", stats)
	}
}
