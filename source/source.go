// Package source acquires guest module bytes. Locators are plain paths,
// file:// URLs or http(s):// URLs; gzip and zstd payloads are
// decompressed transparently.
package source

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/sbsoftware/wasem"
)

var (
	ErrNotWasm     = errors.New("not a wasm module")
	ErrUnsupported = errors.New("unsupported locator scheme")
)

// MaxModuleSize bounds what Fetch reads, after decompression.
const MaxModuleSize = 256 << 20

// Fetcher returns the raw bytes behind a locator.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// Default resolves local paths, file:// and http(s):// locators.
type Default struct {
	// Client is used for http(s) locators; nil means http.DefaultClient.
	Client *http.Client
}

func (d *Default) Fetch(ctx context.Context, locator string) ([]byte, error) {
	u, err := url.Parse(locator)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths, including Windows drive letters.
		return readFile(locator)
	}

	switch u.Scheme {
	case "file":
		return readFile(u.Path)
	case "http", "https":
		return d.fetchHTTP(ctx, u)
	default:
		return nil, errors.Wrapf(ErrUnsupported, "%s", u.Scheme)
	}
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer f.Close()

	return readLimited(f)
}

func (d *Default) fetchHTTP(ctx context.Context, u *url.URL) ([]byte, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", u)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetch %s: %s", u, resp.Status)
	}

	return readLimited(resp.Body)
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxModuleSize+1))
	if err != nil {
		return nil, err
	}

	if len(data) > MaxModuleSize {
		return nil, errors.Errorf("module larger than %d bytes", MaxModuleSize)
	}

	return data, nil
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Decompress unwraps gzip or zstd data and checks that the result is a
// wasm module. Uncompressed modules are returned as is.
func Decompress(data []byte) ([]byte, error) {
	var (
		out []byte
		err error
	)

	switch {
	case bytes.HasPrefix(data, gzipMagic):
		out, err = gunzip(data)
	case bytes.HasPrefix(data, zstdMagic):
		out, err = unzstd(data)
	default:
		out = data
	}

	if err != nil {
		return nil, err
	}

	if !wasem.IsModule(out) {
		return nil, ErrNotWasm
	}

	return out, nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "gzip")
	}

	defer zr.Close()

	out, err := readLimited(zr)
	return out, errors.Wrap(err, "gzip")
}

func unzstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "zstd")
	}

	defer dec.Close()

	out, err := readLimited(dec)
	return out, errors.Wrap(err, "zstd")
}

// Load fetches locator with f and decompresses the result.
func Load(ctx context.Context, f Fetcher, locator string) ([]byte, error) {
	data, err := f.Fetch(ctx, locator)
	if err != nil {
		return nil, err
	}

	out, err := Decompress(data)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", locator)
	}

	return out, nil
}

// Name derives an instance name from a locator: its last path element
// without extensions.
func Name(locator string) string {
	name := locator
	if u, err := url.Parse(locator); err == nil && u.Path != "" {
		name = u.Path
	}

	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}

	if name == "" {
		return "guest"
	}

	return name
}
