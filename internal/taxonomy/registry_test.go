package taxonomy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSource struct {
	pairs map[string][]string
	err   error
}

func (m *mockSource) DistinctTaxonomy(context.Context) (map[string][]string, error) {
	return m.pairs, m.err
}

func TestReloadBuildsSortedSnapshot(t *testing.T) {
	src := &mockSource{pairs: map[string][]string{
		"Shipping":       {"delivery_time", "customs"},
		"Account Access": {"password_reset"},
	}}
	r := New(src, map[string]string{"Shipping": "Delivery, customs and logistics questions"}, nil)
	require.NoError(t, r.Reload(context.Background()))

	snap := r.Current()
	assert.Equal(t, []string{"Account Access", "Shipping"}, snap.Categories)
	assert.Equal(t, []string{"customs", "delivery_time", "password_reset"}, snap.Intents)
	assert.Equal(t, []string{"customs", "delivery_time"}, snap.CategoryToIntents["Shipping"])
	assert.Equal(t, "Delivery, customs and logistics questions", snap.Enrichment["Shipping"])
	assert.Contains(t, snap.Enrichment["password_reset"], "password_reset")
	assert.False(t, snap.LoadedAt.IsZero())
}

func TestReloadNotifiesSubscribers(t *testing.T) {
	src := &mockSource{pairs: map[string][]string{"Billing": {"refund"}}}
	r := New(src, nil, nil)

	var seen []Snapshot
	r.Subscribe(func(_ context.Context, snap Snapshot) error {
		seen = append(seen, snap)
		return nil
	})
	require.NoError(t, r.Reload(context.Background()))
	require.Len(t, seen, 1)
	assert.Equal(t, []string{"Billing"}, seen[0].Categories)
}

func TestReloadKeepsPreviousSnapshotOnFailure(t *testing.T) {
	src := &mockSource{pairs: map[string][]string{"Billing": {"refund"}}}
	r := New(src, nil, nil)
	require.NoError(t, r.Reload(context.Background()))

	src.err = errors.New("db gone")
	require.Error(t, r.Reload(context.Background()))
	assert.Equal(t, []string{"Billing"}, r.Current().Categories)

	src.err = nil
	r.Subscribe(func(context.Context, Snapshot) error { return errors.New("embed down") })
	src.pairs = map[string][]string{"Other": nil}
	require.Error(t, r.Reload(context.Background()))
	assert.Equal(t, []string{"Billing"}, r.Current().Categories, "failed subscriber aborts the swap")
}

func TestHasCategory(t *testing.T) {
	src := &mockSource{pairs: map[string][]string{"Shipping": nil}}
	r := New(src, nil, nil)
	require.NoError(t, r.Reload(context.Background()))
	assert.True(t, r.HasCategory("Shipping"))
	assert.False(t, r.HasCategory("Returns"))
}
