package migrations

import "testing"

func TestLatest(t *testing.T) {
	for _, dialect := range []string{Postgres, SQLite} {
		v, err := Latest(dialect)
		if err != nil {
			t.Fatalf("Latest(%s): %v", dialect, err)
		}
		if v != 1 {
			t.Errorf("Latest(%s) = %d, want 1", dialect, v)
		}
	}
}

func TestSourceUnknownDialect(t *testing.T) {
	if _, err := Source("mysql"); err == nil {
		t.Error("expected error for unknown dialect")
	}
}
