package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket gone")
}

func TestURLHash(t *testing.T) {
	t.Parallel()

	// echo -n "abc" | sha256sum
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", URLHash("abc"))
	require.Len(t, URLHash("https://stamp.funakiya.com/tokyo.html"), 64)
}

func TestArchiverWritesUnderHashedKey(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	at := time.Unix(1712000000, 0).UTC()
	a, err := New(store, fixedClock{t: at}, Config{Prefix: "/raw/"})
	require.NoError(t, err)

	url := "https://stamp.funakiya.com/tokyo.html"
	uri, err := a.Archive(context.Background(), url, []byte("<html></html>"))
	require.NoError(t, err)

	key := "raw/" + URLHash(url) + "/1712000000.html"
	require.Equal(t, "memory://"+key, uri)
	obj, ok := store.Get(key)
	require.True(t, ok)
	require.Equal(t, DefaultContentType, obj.ContentType)
	require.Equal(t, "<html></html>", string(obj.Data))
}

func TestArchiverDefaultsAndErrors(t *testing.T) {
	t.Parallel()

	a, err := New(memory.NewBlobStore(), fixedClock{}, Config{ContentType: "text/html"})
	require.NoError(t, err)
	require.Equal(t, "pages/"+URLHash("u")+"/0.html", a.Key("u", time.Unix(0, 0)))

	_, err = New(nil, fixedClock{}, Config{})
	require.Error(t, err)
	_, err = New(memory.NewBlobStore(), nil, Config{})
	require.Error(t, err)

	broken, err := New(failingStore{}, fixedClock{}, Config{})
	require.NoError(t, err)
	_, err = broken.Archive(context.Background(), "u", nil)
	require.ErrorContains(t, err, "bucket gone")
}
