package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionIDJSON(t *testing.T) {
	var s Session
	require.NoError(t, json.Unmarshal([]byte(`{"id": 42, "name": "n"}`), &s))
	require.Equal(t, SessionID("42"), s.ID)

	require.NoError(t, json.Unmarshal([]byte(`{"id": "abc"}`), &s))
	require.Equal(t, SessionID("abc"), s.ID)

	b, err := json.Marshal(struct {
		ID SessionID `json:"session_id"`
	}{ID: "42"})
	require.NoError(t, err)
	require.JSONEq(t, `{"session_id": 42}`, string(b))

	b, err = json.Marshal(struct {
		ID SessionID `json:"session_id"`
	}{})
	require.NoError(t, err)
	require.JSONEq(t, `{"session_id": null}`, string(b))
}

func TestArtifactSetDecodeAndMutate(t *testing.T) {
	var set ArtifactSet
	err := json.Unmarshal([]byte(`{
		"code": [{"id": 1, "language": "go", "title": "Go Code", "content": "x", "source_session_id": 7}],
		"explanation": [{"id": 2, "title": "Intro", "content": "y"}],
		"bogus": [{"id": 3}]
	}`), &set)
	require.NoError(t, err)
	require.Equal(t, ArtifactCounts{Code: 1, Document: 1}, set.Counts())
	require.Equal(t, ArtifactDocument, set[ArtifactDocument][0].Type)

	require.Len(t, set.Filter("7")[ArtifactCode], 1)
	require.Len(t, set.Filter("8")[ArtifactCode], 0)

	require.True(t, set.Remove(1))
	require.False(t, set.Remove(1))
	require.Equal(t, 1, set.Counts().Total())
}

func TestModelCatalogIsVision(t *testing.T) {
	c := ModelCatalog{VisionModels: []string{"llava", "qwen3-vl"}}
	require.True(t, c.IsVision("llava:13b"))
	require.True(t, c.IsVision("Qwen3-VL:8b"))
	require.False(t, c.IsVision("qwen3-coder:30b"))
}
