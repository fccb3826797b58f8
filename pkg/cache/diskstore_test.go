package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStore_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	d1 := NewDiskStore(dir, true, nil)
	require.NoError(t, d1.Load())
	require.NoError(t, d1.Put("k1", []byte("hello"), time.Hour))
	require.NoError(t, d1.Save())

	d2 := NewDiskStore(dir, true, nil)
	require.NoError(t, d2.Load())
	value, _, ok := d2.Get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), value)
	require.NoError(t, d2.Save())
}

func TestDiskStore_ExpiredEntryIsMiss(t *testing.T) {
	dir := t.TempDir()
	d := NewDiskStore(dir, false, nil)
	require.NoError(t, d.Load())
	require.NoError(t, d.Put("k1", []byte("v"), time.Millisecond))

	time.Sleep(5 * time.Millisecond)
	_, _, ok := d.Get("k1")
	assert.False(t, ok)
	require.NoError(t, d.Save())
}

func TestDiskStore_SanitizesUnsafeKeys(t *testing.T) {
	dir := t.TempDir()
	d := NewDiskStore(dir, false, nil)
	require.NoError(t, d.Load())

	unsafe := "weird key/with spaces?"
	require.NoError(t, d.Put(unsafe, []byte("v"), 0))
	value, _, ok := d.Get(unsafe)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
	require.NoError(t, d.Save())
}

func TestDiskStore_NoTTLNeverExpires(t *testing.T) {
	dir := t.TempDir()
	d := NewDiskStore(dir, false, nil)
	require.NoError(t, d.Load())
	require.NoError(t, d.Put("k1", []byte("v"), 0))
	_, _, ok := d.Get("k1")
	assert.True(t, ok)
	require.NoError(t, d.Save())
}
