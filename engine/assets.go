package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/caffeineduck/pynode/protocol"
)

const snippetSize = 512

var wasmMagic = []byte{0x00, 'a', 's', 'm'}

// AssetURL joins the engine base URL and an asset name. The base may be an
// http(s) URL, a file URL or a plain directory path.
func AssetURL(base, name string) (string, error) {
	if base == "" {
		return "", errors.New("empty engine base url")
	}

	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 { // "C:\..." parses with scheme "c"
		return filepath.Join(base, name), nil
	}

	switch u.Scheme {
	case "http", "https", "file":
		return u.JoinPath(name).String(), nil
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// FetchAsset retrieves an interpreter module and verifies that it is a WASM
// binary rather than an HTML fallback page. Failures are *LoadError.
func FetchAsset(ctx context.Context, client *http.Client, assetURL string, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxAssetSize
	}

	u, err := url.Parse(assetURL)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return fetchHTTP(ctx, client, assetURL, maxSize)
	}

	path := assetURL
	if err == nil && u.Scheme == "file" {
		path = u.Path
	}
	return readFile(path, assetURL, maxSize)
}

func fetchHTTP(ctx context.Context, client *http.Client, assetURL string, maxSize int64) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return nil, &LoadError{Diagnostics: protocol.Diagnostics{Phase: PhaseResolve, URL: assetURL}, Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		phase := PhaseFetch
		if ctx.Err() != nil {
			phase = PhaseCancelled
		}
		return nil, &LoadError{Diagnostics: protocol.Diagnostics{Phase: phase, URL: assetURL}, Err: err}
	}
	defer resp.Body.Close()

	diag := protocol.Diagnostics{
		URL:         assetURL,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		diag.Phase = PhaseFetch
		return nil, &LoadError{Diagnostics: diag, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		diag.Phase = PhaseFetch
		diag.Snippet = snippet(body)
		diag.Detail = resp.Status
		return nil, &LoadError{Diagnostics: diag}
	}
	if strings.Contains(strings.ToLower(diag.ContentType), "text/html") {
		diag.Phase = PhaseHTML
		diag.Snippet = snippet(body)
		diag.Detail = "server returned an HTML page; check the static host's fallback rules for the engine path"
		return nil, &LoadError{Diagnostics: diag}
	}

	return checkBody(body, diag, maxSize)
}

func readFile(path, assetURL string, maxSize int64) ([]byte, error) {
	diag := protocol.Diagnostics{URL: assetURL}

	f, err := os.Open(path)
	if err != nil {
		diag.Phase = PhaseRead
		return nil, &LoadError{Diagnostics: diag, Err: err}
	}
	defer f.Close()

	body, err := io.ReadAll(io.LimitReader(f, maxSize+1))
	if err != nil {
		diag.Phase = PhaseRead
		return nil, &LoadError{Diagnostics: diag, Err: err}
	}
	return checkBody(body, diag, maxSize)
}

// checkBody applies the prefix checks shared by every source.
func checkBody(body []byte, diag protocol.Diagnostics, maxSize int64) ([]byte, error) {
	if int64(len(body)) > maxSize {
		diag.Phase = PhaseTooLarge
		diag.Detail = fmt.Sprintf("asset exceeds %d bytes", maxSize)
		return nil, &LoadError{Diagnostics: diag}
	}
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("<")) {
		diag.Phase = PhaseHTML
		diag.Snippet = snippet(body)
		diag.Detail = "asset body looks like HTML"
		return nil, &LoadError{Diagnostics: diag}
	}
	if !bytes.HasPrefix(body, wasmMagic) {
		diag.Phase = PhaseNotWasm
		diag.Snippet = snippet(body)
		diag.Detail = "missing WebAssembly magic number"
		return nil, &LoadError{Diagnostics: diag}
	}
	return body, nil
}

// snippet returns a printable prefix of body for diagnostics.
func snippet(body []byte) string {
	if len(body) > snippetSize {
		body = body[:snippetSize]
	}
	if !utf8.Valid(body) {
		return fmt.Sprintf("%q", body)
	}
	return string(body)
}
