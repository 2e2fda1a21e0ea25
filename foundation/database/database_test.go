package database

import (
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/matryer/is"
)

func TestPrepareNamedQueryFromMap(t *testing.T) {
	is := is.New(t)
	db := sqlx.NewDb(nil, "pgx")

	query, args, err := PrepareNamedQueryFromMap(
		"select * from stop_time_update where trip_update_id in (:vj_ids) and stop_order >= :min_order",
		db, map[string]interface{}{
			"vj_ids":    []string{"vj-1", "vj-2"},
			"min_order": 3,
		})
	is.NoErr(err)
	is.Equal(query, "select * from stop_time_update where trip_update_id in ($1, $2) and stop_order >= $3")
	is.Equal(len(args), 3)
	is.Equal(args[0], "vj-1")
	is.Equal(args[1], "vj-2")
	is.Equal(args[2], 3)
}

func TestPrepareNamedQueryFromMap_missingParameter(t *testing.T) {
	is := is.New(t)
	db := sqlx.NewDb(nil, "pgx")

	_, _, err := PrepareNamedQueryFromMap(
		"select * from contributor where id = :id", db, map[string]interface{}{})
	is.True(err != nil)
}
