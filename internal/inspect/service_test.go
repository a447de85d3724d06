package inspect

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/table-sync/internal/presence"
	"github.com/example/table-sync/internal/types"
)

type fakeTables struct {
	records map[types.TableName]types.TableRecord
	reads   int
}

func (f *fakeTables) Records() []types.TableRecord {
	out := make([]types.TableRecord, 0, len(f.records))
	for _, name := range []types.TableName{"inventory3", "scores"} {
		if record, ok := f.records[name]; ok {
			out = append(out, record)
		}
	}
	return out
}

func (f *fakeTables) Record(name types.TableName) (types.TableRecord, bool) {
	f.reads++
	record, ok := f.records[name]
	return record, ok
}

func (f *fakeTables) Seq(name types.TableName) (uint64, bool) {
	record, ok := f.records[name]
	return record.Seq, ok
}

type fakeHistory struct{}

func (fakeHistory) History(_ context.Context, _ types.TableName, fromSeq uint64, handler func(uint64, types.Table) error) error {
	for seq := fromSeq + 1; seq <= 3; seq++ {
		var table types.Table
		if seq < 3 {
			table = types.Table{"n": float64(seq)}
		}
		if err := handler(seq, table); err != nil {
			return err
		}
	}
	return nil
}

type fakeRoster struct{}

func (fakeRoster) Roster(context.Context) ([]presence.Entry, error) {
	return []presence.Entry{{Observer: 3, Host: "host-a"}}, nil
}

func newFixture(t *testing.T) (*fakeTables, http.Handler) {
	t.Helper()
	tables := &fakeTables{records: map[types.TableName]types.TableRecord{
		"scores":     {Name: "scores", Scope: types.Global, Contents: types.Table{"a": 1.0, "b": "x"}, Seq: 4, UpdatedAt: time.Unix(0, 0).UTC()},
		"inventory3": {Name: "inventory3", Scope: types.ObserverScope(3), Contents: types.Table{"gold": 5.0}, Seq: 1},
	}}
	svc, err := NewService(tables, 8, WithHistory(fakeHistory{}), WithRoster(fakeRoster{}))
	require.NoError(t, err)
	return tables, NewHTTPHandler(svc, zerolog.New(io.Discard))
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestListTables(t *testing.T) {
	_, h := newFixture(t)
	rec := get(t, h, "/tables")
	require.Equal(t, http.StatusOK, rec.Code)

	var summaries []TableSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 2)
	assert.Equal(t, types.TableName("scores"), summaries[1].Name)
	assert.Equal(t, 2, summaries[1].Keys)
	assert.Equal(t, uint64(4), summaries[1].Seq)
}

func TestTableBodyIsCachedPerSequence(t *testing.T) {
	tables, h := newFixture(t)

	first := get(t, h, "/tables/scores")
	require.Equal(t, http.StatusOK, first.Code)
	second := get(t, h, "/tables/scores")
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, tables.reads)

	record := tables.records["scores"]
	record.Seq = 5
	record.Contents = types.Table{"a": 2.0}
	tables.records["scores"] = record

	third := get(t, h, "/tables/scores")
	assert.Equal(t, 2, tables.reads)

	var decoded types.TableRecord
	require.NoError(t, json.Unmarshal(third.Body.Bytes(), &decoded))
	assert.Equal(t, types.Table{"a": 2.0}, decoded.Contents)
}

func TestValueLookup(t *testing.T) {
	_, h := newFixture(t)

	rec := get(t, h, "/tables/scores/keys/b")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"key":"b","value":"x"}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get(t, h, "/tables/scores/keys/zzz").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/tables/missing").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/nope").Code)
}

func TestHistoryAndObservers(t *testing.T) {
	_, h := newFixture(t)

	rec := get(t, h, "/tables/scores/history?from_seq=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []Version
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	require.Len(t, versions, 2)
	assert.Equal(t, uint64(2), versions[0].Seq)
	assert.True(t, versions[1].Deleted)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/tables/scores/history?from_seq=x").Code)

	rec = get(t, h, "/observers")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"host":"host-a"`)
}

func TestRejectsNonGet(t *testing.T) {
	_, h := newFixture(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tables", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
