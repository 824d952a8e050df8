package commons

import (
	"context"
	"encoding/base64"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

type fakeWiki struct {
	t        *testing.T
	srv      *httptest.Server
	entities map[string]string
	calls    atomic.Int32
}

const fileQuery = `{"query":{"pages":[{"pageid":42,"ns":6,"title":"File:Mona Lisa.jpg",
	"revisions":[{"revid":1001}],
	"imageinfo":[{"sha1":"da39a3ee5e6b4b0d3255bfef95601890afd80709","size":11,"width":640,"height":480,
	"url":"%[1]s/files/mona.jpg","descriptionshorturl":"https://commons.wikimedia.org/w/index.php?curid=42",
	"thumburl":"%[1]s/files/thumb.jpg"}]}]}}`

func newFakeWiki(t *testing.T) *fakeWiki {
	w := &fakeWiki{t: t, entities: map[string]string{}}
	w.srv = httptest.NewServer(http.HandlerFunc(w.serve))
	t.Cleanup(w.srv.Close)
	return w
}

func (w *fakeWiki) serve(rw http.ResponseWriter, r *http.Request) {
	w.calls.Add(1)
	assert.Equal(w.t, "test-agent/1", r.Header.Get("User-Agent"))
	switch r.URL.Path {
	case "/files/mona.jpg":
		_, _ = rw.Write([]byte("image-bytes"))
		return
	case "/files/thumb.jpg":
		_, _ = rw.Write([]byte("thumb"))
		return
	}
	q := r.URL.Query()
	assert.Equal(w.t, "json", q.Get("format"))
	assert.Equal(w.t, "2", q.Get("formatversion"))
	switch q.Get("action") {
	case "query":
		switch {
		case q.Get("titles") == "File:Mona Lisa.jpg":
			fmt.Fprintf(rw, fileQuery, w.srv.URL)
		case q.Get("titles") != "":
			fmt.Fprintf(rw, `{"query":{"pages":[{"ns":6,"title":%q,"missing":true}]}}`, q.Get("titles"))
		case q.Get("pageids") != "":
			var pages []string
			for _, id := range strings.Split(q.Get("pageids"), "|") {
				if id == "404" {
					pages = append(pages, `{"pageid":404,"missing":true}`)
					continue
				}
				pages = append(pages, fmt.Sprintf(`{"pageid":%s,"ns":6,"title":"File:%s.jpg"}`, id, id))
			}
			fmt.Fprintf(rw, `{"query":{"pages":[%s]}}`, strings.Join(pages, ","))
		}
	case "wbgetentities":
		id := q.Get("ids")
		body, ok := w.entities[id]
		if !ok {
			fmt.Fprintf(rw, `{"entities":{%q:{"id":%q,"missing":""}}}`, id, id)
			return
		}
		fmt.Fprintf(rw, `{"entities":{%q:%s}}`, id, body)
	default:
		_, _ = rw.Write([]byte(`{"error":{"code":"badvalue","info":"Unrecognized value for parameter \"action\"."}}`))
	}
}

func (w *fakeWiki) client() *Client {
	return NewClient(w.srv.URL, "test-agent/1", 0, nil)
}

func itemClaim(prop, id string) string {
	return fmt.Sprintf(`%q:[{"mainsnak":{"datavalue":{"value":{"entity-type":"item","id":%q}}}}]`, prop, id)
}

func TestFile(t *testing.T) {
	w := newFakeWiki(t)
	f, err := w.client().File(context.Background(), "Mona Lisa.jpg")
	require.NoError(t, err)

	assert.Equal(t, "File:Mona Lisa.jpg", f.Title)
	assert.Equal(t, "Mona Lisa.jpg", f.FileName())
	assert.Equal(t, int64(42), f.PageID)
	assert.Equal(t, int64(1001), f.RevisionID)
	assert.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", f.SHA1)
	assert.Equal(t, int64(11), f.Size)
	assert.Equal(t, 640, f.Width)
	assert.Equal(t, 480, f.Height)
	loc, err := f.Location()
	require.NoError(t, err)
	assert.Equal(t, "https://commons.wikimedia.org/w/index.php?curid=42", loc)

	_, err = w.client().File(context.Background(), "File:Missing.jpg")
	assert.True(t, errs.IsKind(err, errs.KindMetadata), "got %v", err)

	_, err = (&File{Title: "File:X.jpg"}).Location()
	assert.True(t, errs.IsKind(err, errs.KindMetadata), "got %v", err)
}

func TestDownloadAndThumbnail(t *testing.T) {
	w := newFakeWiki(t)
	c := w.client()
	f, err := c.File(context.Background(), "File:Mona Lisa.jpg")
	require.NoError(t, err)

	dir := t.TempDir()
	path, err := c.Download(context.Background(), f, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Mona Lisa.jpg"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))

	thumb, err := c.Thumbnail(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("thumb")), thumb)

	none, err := c.Thumbnail(context.Background(), &File{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTitlesKeepsOrderAndSkipsMissing(t *testing.T) {
	w := newFakeWiki(t)
	ids := make([]int64, 0, 60)
	for i := range 60 {
		ids = append(ids, int64(1000-i))
	}
	ids = append(ids, 404)

	titles, err := w.client().Titles(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, titles, 60)
	assert.Equal(t, "File:1000.jpg", titles[0])
	assert.Equal(t, "File:941.jpg", titles[59])
	assert.Equal(t, int32(2), w.calls.Load())
}

func TestAPIError(t *testing.T) {
	w := newFakeWiki(t)
	err := w.client().get(context.Background(), map[string][]string{"action": {"nope"}}, &struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "badvalue")
}

func TestReadLimited(t *testing.T) {
	b, err := readLimited(strings.NewReader("abcd"), 4)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(b))

	_, err = readLimited(strings.NewReader("abcde"), 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 4 bytes")
}

func TestName(t *testing.T) {
	f := &File{Title: "File:Mona Lisa.final.jpg", PageID: 42}

	tests := []struct {
		name     string
		entities map[string]string
		want     string
	}{
		{
			name: "title of depicted item",
			entities: map[string]string{
				"M42":    `{"id":"M42","statements":{` + itemClaim(PropDigitalRepresentationOf, "Q12418") + `}}`,
				"Q12418": `{"id":"Q12418","labels":{"en":{"language":"en","value":"Mona Lisa"}},
					"claims":{"P1476":[{"mainsnak":{"datavalue":{"value":{"text":"La Gioconda","language":"it"}}}}]}}`,
			},
			want: "La Gioconda",
		},
		{
			name: "english label",
			entities: map[string]string{
				"M42":    `{"id":"M42","statements":{` + itemClaim(PropDigitalRepresentationOf, "Q12418") + `}}`,
				"Q12418": `{"id":"Q12418","labels":{"en":{"language":"en","value":"Mona Lisa"}},"claims":[]}`,
			},
			want: "Mona Lisa",
		},
		{
			name:     "file name without extension",
			entities: map[string]string{"M42": `{"id":"M42","statements":[]}`},
			want:     "Mona Lisa.final",
		},
		{
			name: "no structured data",
			want: "Mona Lisa.final",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newFakeWiki(t)
			maps.Copy(w.entities, tt.entities)
			got, err := w.client().Name(context.Background(), f)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRightsStatement(t *testing.T) {
	f := &File{Title: "File:Mona Lisa.jpg", PageID: 42}
	sdcDepicting := `{"id":"M42","statements":{` + itemClaim(PropDigitalRepresentationOf, "Q12418") + `}}`

	tests := []struct {
		name     string
		entities map[string]string
		want     string
		wantKind errs.Kind
	}{
		{
			name: "depicted item in public domain",
			entities: map[string]string{
				"M42":    sdcDepicting,
				"Q12418": `{"id":"Q12418","claims":{` + itemClaim(PropCopyrightStatus, ItemPublicDomain) + `}}`,
			},
			want: PublicDomainMark,
		},
		{
			name: "depicted item license website",
			entities: map[string]string{
				"M42":      sdcDepicting,
				"Q12418":   `{"id":"Q12418","claims":{` + itemClaim(PropCopyrightLicense, "Q6938433") + `}}`,
				"Q6938433": `{"id":"Q6938433","claims":{"P856":[{"mainsnak":{"datavalue":{"value":"https://creativecommons.org/publicdomain/zero/1.0/"}}}]}}`,
			},
			want: "https://creativecommons.org/publicdomain/zero/1.0/",
		},
		{
			name: "falls back to the file's own structured data",
			entities: map[string]string{
				"M42": `{"id":"M42","statements":{` + itemClaim(PropDigitalRepresentationOf, "Q1") + `,` + itemClaim(PropCopyrightStatus, ItemPublicDomain) + `}}`,
				"Q1":  `{"id":"Q1","claims":[]}`,
			},
			want: PublicDomainMark,
		},
		{
			name:     "nothing known",
			entities: map[string]string{"M42": `{"id":"M42","statements":[]}`},
			wantKind: errs.KindMetadata,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newFakeWiki(t)
			maps.Copy(w.entities, tt.entities)
			got, err := w.client().RightsStatement(context.Background(), f)
			if tt.wantKind != "" {
				assert.True(t, errs.IsKind(err, tt.wantKind), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEntityCache(t *testing.T) {
	w := newFakeWiki(t)
	w.entities["Q1"] = `{"id":"Q1","labels":{"en":{"value":"one"}}}`
	c := w.client()

	for range 3 {
		e, err := c.Entity(context.Background(), "Q1")
		require.NoError(t, err)
		assert.Equal(t, "one", e.Label("en"))
	}
	missing, err := c.Entity(context.Background(), "Q2")
	require.NoError(t, err)
	assert.Nil(t, missing)
	_, err = c.Entity(context.Background(), "Q2")
	require.NoError(t, err)

	assert.Equal(t, int32(2), w.calls.Load())
}
