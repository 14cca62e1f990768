package businessclaims

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindBySubject(t *testing.T) {
	t.Run("returns stored row", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT manager_id, role, regions\\s+FROM user_claims").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"manager_id", "role", "regions"}).
				AddRow("20116", "admin", []byte("{Europe,USA,Asia}")))

		store := NewStore(db, StoreConfig{QueryTimeout: time.Second})
		got, found, err := store.FindBySubject(context.Background(), "user-1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, &Claims{ManagerID: "20116", Role: "admin", Regions: []string{"Europe", "USA", "Asia"}}, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row is not found", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("FROM user_claims").
			WithArgs("nobody").
			WillReturnRows(sqlmock.NewRows([]string{"manager_id", "role", "regions"}))

		store := NewStore(db, StoreConfig{})
		got, found, err := store.FindBySubject(context.Background(), "nobody")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query failure is reported", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("FROM user_claims").
			WithArgs("user-1").
			WillReturnError(errors.New("connection reset"))

		store := NewStore(db, StoreConfig{})
		_, _, err = store.FindBySubject(context.Background(), "user-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset")
	})

	t.Run("empty role falls back to default", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("FROM user_claims").
			WithArgs("user-2").
			WillReturnRows(sqlmock.NewRows([]string{"manager_id", "role", "regions"}).
				AddRow("", "", []byte("{}")))

		store := NewStore(db, StoreConfig{})
		got, found, err := store.FindBySubject(context.Background(), "user-2")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "user", got.Role)
		assert.Empty(t, got.Regions)
	})
}

func TestEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS user_claims").WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewStore(db, StoreConfig{})
	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO user_claims").
		WithArgs("user-1", "10345", "user", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewStore(db, StoreConfig{})
	err = store.Upsert(context.Background(), "user-1", Claims{ManagerID: "10345", Role: "user", Regions: []string{"USA"}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), StoreConfig{})
	require.Error(t, err)
}
