package harmonydb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSQLStatements(t *testing.T) {
	sql := `-- comment
CREATE TABLE a (id INT);

CREATE FUNCTION f() RETURNS trigger AS $$
BEGIN
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;
INSERT INTO a VALUES (1)`

	st := parseSQLStatements(sql)
	require.Len(t, st, 3)
	require.Contains(t, st[0], "CREATE TABLE a")
	require.Contains(t, st[1], "RETURN NEW;")
	require.Contains(t, st[1], "LANGUAGE plpgsql")
	require.Contains(t, st[2], "INSERT INTO a")
}

func TestSchemaFilesEmbedded(t *testing.T) {
	dir, err := fs.ReadDir("sql")
	require.NoError(t, err)
	require.NotEmpty(t, dir)
	for _, e := range dir {
		require.GreaterOrEqual(t, len(e.Name()), 8, e.Name())
	}
}
