// Package listing checks catalog entries against the file server's HTML
// directory indexes.
package listing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"tigeretl/internal/catalog"
	"tigeretl/internal/download"
)

// Missing is a catalog file absent from its directory index.
type Missing struct {
	Directory string
	Filename  string
}

// DirError is a directory whose index could not be fetched or parsed.
type DirError struct {
	Directory string
	Err       error
}

// Report is the outcome of Verify.
type Report struct {
	Directories int
	Checked     int
	Missing     []Missing
	Errors      []DirError
}

// OK reports whether every file was found and every index was readable.
func (r Report) OK() bool { return len(r.Missing) == 0 && len(r.Errors) == 0 }

// Checker fetches directory indexes.
type Checker struct {
	BaseURL   string
	UserAgent string
	Client    *http.Client
	Logger    *slog.Logger
}

// ParseIndex returns the set of file names linked from an HTML directory
// index. Query strings, fragments, parent links and subdirectories are
// ignored.
func ParseIndex(r io.Reader) (map[string]bool, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	out := map[string]bool{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") || strings.HasSuffix(href, "/") {
			return
		}
		u, err := url.Parse(href)
		if err != nil {
			return
		}
		name := path.Base(u.Path)
		if name == "" || name == "." || name == "/" {
			return
		}
		if unescaped, err := url.PathUnescape(name); err == nil {
			name = unescaped
		}
		out[name] = true
	})
	return out, nil
}

// Verify fetches each distinct catalog directory once and reports catalog
// files that its index does not list. Fetch failures are collected per
// directory and never abort the check.
func (c *Checker) Verify(ctx context.Context, datasets []catalog.Dataset) (Report, error) {
	log := c.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	byDir := map[string][]string{}
	for _, d := range datasets {
		byDir[d.Directory] = append(byDir[d.Directory], d.Filename)
	}
	dirs := make([]string, 0, len(byDir))
	for d := range byDir {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	rep := Report{Directories: len(dirs)}
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		names, err := c.index(ctx, dir)
		if err != nil {
			log.Error("directory index unavailable", "directory", dir, "err", err)
			rep.Errors = append(rep.Errors, DirError{Directory: dir, Err: err})
			continue
		}
		for _, f := range byDir[dir] {
			rep.Checked++
			if !names[f] {
				log.Warn("file not listed on server", "directory", dir, "file", f)
				rep.Missing = append(rep.Missing, Missing{Directory: dir, Filename: f})
			}
		}
	}
	return rep, nil
}

func (c *Checker) index(ctx context.Context, dir string) (map[string]bool, error) {
	base := c.BaseURL
	if base == "" {
		base = download.DefaultBaseURL
	}
	u, err := url.JoinPath(base, dir)
	if err != nil {
		return nil, err
	}
	// Apache-style indexes redirect to the trailing-slash form.
	u += "/"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	ua := c.UserAgent
	if ua == "" {
		ua = download.DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &download.StatusError{URL: u, Code: resp.StatusCode}
	}
	return ParseIndex(resp.Body)
}
