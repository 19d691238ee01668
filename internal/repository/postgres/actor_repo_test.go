package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/skyindex/internal/errs"
	"github.com/and161185/skyindex/internal/model"
	"github.com/and161185/skyindex/internal/repository"
)

func TestTx_GetActor(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	now := time.Now()
	handle := "alice.test"
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM actor WHERE did=\$1`).
		WithArgs("did:plc:a").
		WillReturnRows(pgxmock.NewRows([]string{"did", "handle", "indexed_at", "upstream_status"}).
			AddRow("did:plc:a", &handle, now, nil))
	mock.ExpectQuery(`FROM actor WHERE did=\$1`).
		WithArgs("did:plc:x").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectCommit()

	err := db.Transaction(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		a, err := tx.GetActor(ctx, "did:plc:a")
		require.NoError(t, err)
		require.Equal(t, "alice.test", *a.Handle)
		require.Nil(t, a.UpstreamStatus)

		_, err = tx.GetActor(ctx, "did:plc:x")
		require.ErrorIs(t, err, errs.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTx_SetCommitLastSeen(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	rev := "3k2"
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO actor_sync`).
		WithArgs("did:plc:a", "bafyc", &rev).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := db.Transaction(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return tx.SetCommitLastSeen(ctx, model.ActorSync{DID: "did:plc:a", CommitCID: "bafyc", RepoRev: rev})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTx_PurgeActor(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	did := "did:web:my_host.test"
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM duplicate_record WHERE uri LIKE \$1`).
		WithArgs(`at://did:web:my\_host.test/%`).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	for _, table := range []string{"feed_item", "post", `"like"`, "repost", "follow", "actor_block", "profile", "record", "notification", "profile_agg", "actor_mute", "thread_mute", "actor_sync", "actor"} {
		mock.ExpectExec(`DELETE FROM ` + table + ` WHERE`).
			WithArgs(did).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
	}
	mock.ExpectCommit()

	err := db.Transaction(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return tx.PurgeActor(ctx, did)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
