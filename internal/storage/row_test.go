package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
)

func TestRowRoundTrip(t *testing.T) {
	parent := model.TraceContext{TraceID: model.TraceIDFromUint64(1), SpanID: model.SpanIDFromUint64(1), Sampled: true}
	rec := model.SpanRecord{
		Name: "hello world", SpanName: "hello {name}", MsgTemplate: "hello {name}", ServiceName: "svc",
		Context: model.TraceContext{TraceID: parent.TraceID, SpanID: model.SpanIDFromUint64(2), Sampled: true},
		Parent:  &parent, StartTime: 5, EndTime: 5, Level: model.LevelWarn, Kind: model.KindLog,
		Status:      model.Status{Code: model.StatusError, Message: "bad"},
		Attributes:  model.Attributes{model.KV("b", 1), model.KV("a", []string{"x"})},
		Events:      []model.Event{{Name: "exception", Time: 5}},
		IsException: true,
	}

	row, err := RowFromRecord(&rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":1,"a":["x"]}`, string(row.Attributes))

	back, err := row.Record()
	require.NoError(t, err)
	assert.Equal(t, rec.Context, back.Context)
	assert.Equal(t, rec.Parent, back.Parent)
	assert.Equal(t, rec.Status, back.Status)
	assert.Equal(t, rec.Level, back.Level)
	assert.Equal(t, rec.Kind, back.Kind)
	assert.True(t, back.IsException)
	require.Len(t, back.Attributes, 2)
	assert.Equal(t, "b", back.Attributes[0].Key)
	require.Len(t, back.Events, 1)
}

func TestRowDefaults(t *testing.T) {
	rec := model.SpanRecord{Context: model.TraceContext{TraceID: model.TraceIDFromUint64(1), SpanID: model.SpanIDFromUint64(1)}}
	row, err := RowFromRecord(&rec)
	require.NoError(t, err)
	assert.Equal(t, "unset", row.StatusCode)
	assert.Nil(t, row.ParentSpanID)
	assert.Equal(t, "[]", string(row.Events))

	back, err := row.Record()
	require.NoError(t, err)
	assert.Nil(t, back.Parent)
	assert.Nil(t, back.Events)
	assert.Nil(t, back.Attributes)
}

func TestRowRejectsBadIDs(t *testing.T) {
	_, err := Row{TraceID: []byte{1}, SpanID: []byte{2}}.Record()
	assert.Error(t, err)
}
