package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/skyindex/internal/model"
	"github.com/and161185/skyindex/internal/repository"
)

func TestTx_InsertPost(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := model.Post{
		URI: "at://did:plc:a/app.bsky.feed.post/1", CID: "c1", Creator: "did:plc:a", Text: "hi",
		CreatedAt: created, IndexedAt: created.Add(time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO post`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"uri"}).AddRow(p.URI))
	mock.ExpectExec(`INSERT INTO feed_item`).
		WithArgs(p.URI, p.CID, p.Creator, created).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`INSERT INTO post`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectCommit()

	err := db.Transaction(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		got, err := tx.InsertPost(ctx, p)
		require.NoError(t, err)
		require.NotNil(t, got)

		again, err := tx.InsertPost(ctx, p)
		require.NoError(t, err)
		require.Nil(t, again)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTx_DeletePost(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	now := time.Now()
	parent := "at://did:plc:b/app.bsky.feed.post/0"

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM post WHERE uri=\$1`).
		WithArgs("at://p").
		WillReturnRows(pgxmock.NewRows([]string{
			"uri", "cid", "creator", "text", "reply_root", "reply_root_cid", "reply_parent", "reply_parent_cid",
			"created_at", "indexed_at",
		}).AddRow("at://p", "c", "did:plc:a", "t", &parent, nil, &parent, nil, now, now))
	mock.ExpectExec(`DELETE FROM feed_item WHERE post_uri=\$1`).
		WithArgs("at://p").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCommit()

	err := db.Transaction(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		got, err := tx.DeletePost(ctx, "at://p")
		require.NoError(t, err)
		require.Equal(t, parent, got.ReplyParent)
		require.Equal(t, "", got.ReplyParentCID)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTx_PostAncestors(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`WITH RECURSIVE ancestor`).
		WithArgs("at://c", 5).
		WillReturnRows(pgxmock.NewRows([]string{"uri", "height"}).
			AddRow("at://c", 0).
			AddRow("at://b", 1).
			AddRow("at://a", 2))
	mock.ExpectCommit()

	err := db.Transaction(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		got, err := tx.PostAncestors(ctx, "at://c", 5)
		require.NoError(t, err)
		require.Equal(t, []model.PostAncestor{{URI: "at://c"}, {URI: "at://b", Height: 1}, {URI: "at://a", Height: 2}}, got)
		return nil
	})
	require.NoError(t, err)
}
