package pgstats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryProvider(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryProvider()

	m.SetTableRowCount("orders", 1_000_000)
	m.SetColumnStats("orders", ColumnStats{
		Table: "orders", Column: "user_id",
		DistinctCount: 50_000, AvgWidthBytes: 8,
	})
	m.SetExistingIndexes("orders", ExistingIndex{
		Table: "orders", Name: "orders_pkey", Columns: []string{"id"}, Unique: true,
	})
	m.SetQueryStats("fp1", QueryStats{Calls: 120, MeanTimeMs: 45.5})

	rows, err := m.TableRowCount(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), rows)

	stats, err := m.ColumnStats(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "user_id", stats[0].Column)

	idx, err := m.ExistingIndexes(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, idx, 1)
	assert.True(t, idx[0].Unique)

	qs, err := m.QueryStats(ctx, "fp1")
	require.NoError(t, err)
	require.NotNil(t, qs)
	assert.Equal(t, int64(120), qs.Calls)
	assert.Equal(t, "fp1", qs.Fingerprint)

	qs, err = m.QueryStats(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, qs)
}

func TestMemoryProviderMissingTable(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryProvider()

	_, err := m.TableRowCount(ctx, "ghost")
	var statsErr *ErrStatsUnavailable
	require.ErrorAs(t, err, &statsErr)
	assert.Equal(t, "ghost", statsErr.Table)

	_, err = m.ColumnStats(ctx, "ghost")
	require.ErrorAs(t, err, &statsErr)

	// No indexes registered is not an error, just empty.
	idx, err := m.ExistingIndexes(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, idx)
}

func TestParseTextArray(t *testing.T) {
	assert.Nil(t, parseTextArray(""))
	assert.Nil(t, parseTextArray("{}"))
	assert.Equal(t, []string{"a", "b", "c"}, parseTextArray("{a,b,c}"))
	assert.Equal(t, []string{"shipped", "new, paid"}, parseTextArray(`{shipped,"new, paid"}`))
	assert.Equal(t, []string{`quo"ted`}, parseTextArray(`{"quo\"ted"}`))
	assert.Equal(t, []string{"42"}, parseTextArray("{42}"))
}

func TestErrorMessages(t *testing.T) {
	assert.Contains(t, NewErrStatsUnavailable("t", "no stats").Error(), "t")
	assert.Contains(t, NewErrExtensionMissing("hypopg").Error(), "CREATE EXTENSION hypopg")
	assert.Contains(t, (&ErrConnectionFailed{Reason: "refused"}).Error(), "refused")
}
