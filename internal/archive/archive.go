// Package archive keeps the raw HTML of every fetched detail page so pages can
// be re-parsed without another request to the source site.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/crawler"
)

// Defaults applied when Config leaves a field empty.
const (
	DefaultPrefix      = "pages"
	DefaultContentType = "text/html; charset=utf-8"
)

// Config controls object naming.
type Config struct {
	Prefix      string
	ContentType string
}

// Archiver writes page bodies to a BlobStore under
// prefix/<sha256(url)>/<unix seconds>.html.
type Archiver struct {
	store       crawler.BlobStore
	clock       crawler.Clock
	prefix      string
	contentType string
}

// New builds an Archiver.
func New(store crawler.BlobStore, clock crawler.Clock, cfg Config) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	contentType := cfg.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	return &Archiver{store: store, clock: clock, prefix: prefix, contentType: contentType}, nil
}

// Key returns the object path for url fetched at.
func (a *Archiver) Key(url string, at time.Time) string {
	return path.Join(a.prefix, URLHash(url), fmt.Sprintf("%d.html", at.Unix()))
}

// Archive stores body and returns the blob URI.
func (a *Archiver) Archive(ctx context.Context, url string, body []byte) (string, error) {
	key := a.Key(url, a.clock.Now())
	uri, err := a.store.PutObject(ctx, key, a.contentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", url, err)
	}
	return uri, nil
}

// URLHash is the hex SHA-256 of url, used as a stable directory name.
func URLHash(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
