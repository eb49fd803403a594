// Package proxylist loads outbound proxy lists and converts raw provider exports.
package proxylist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// ErrInvalidProxyLine marks a provider line that is not ip:port:user:pass
var ErrInvalidProxyLine = errors.New("invalid proxy line")

// Document is the stored proxy configuration shape: {"proxy": [...]}
type Document struct {
	Proxy []string `json:"proxy"`
}

// List picks a random proxy per request
type List struct {
	proxies []*url.URL

	mu  sync.Mutex
	rnd *rand.Rand
}

// New validates raw proxy URLs and builds a List
func New(raw []string) (*List, error) {
	l := &List{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
	for i, s := range raw {
		u, err := url.Parse(strings.TrimSpace(s))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("proxy %d is not a valid URL", i)
		}
		l.proxies = append(l.proxies, u)
	}
	return l, nil
}

// Parse reads a {"proxy": [...]} document
func Parse(data []byte) (*List, error) {
	var doc Document
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse proxy list: %w", err)
	}
	return New(doc.Proxy)
}

// Load reads a {"proxy": [...]} document from path
func Load(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read proxy list: %w", err)
	}
	return Parse(data)
}

// Len returns the number of proxies
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.proxies)
}

// Proxy picks a random proxy; an empty list connects directly.
// It matches http.Transport.Proxy.
func (l *List) Proxy(_ *http.Request) (*url.URL, error) {
	if l.Len() == 0 {
		return nil, nil
	}
	l.mu.Lock()
	i := l.rnd.Intn(len(l.proxies))
	l.mu.Unlock()
	return l.proxies[i], nil
}

// LineError reports a line Convert skipped
type LineError struct {
	Line int
	Text string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// Convert turns ip:port:user:pass lines into http://user:pass@ip:port URLs.
// Blank lines are ignored and malformed ones are reported and skipped.
func Convert(r io.Reader) (Document, []error, error) {
	doc := Document{Proxy: []string{}}
	var lineErrs []error

	scanner := bufio.NewScanner(r)
	n := 0
	for scanner.Scan() {
		n++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Split(line, ":")
		if len(parts) != 4 {
			lineErrs = append(lineErrs, &LineError{Line: n, Text: line,
				Err: fmt.Errorf("%w: want 4 fields, got %d", ErrInvalidProxyLine, len(parts))})
			continue
		}
		ip, port, user, pass := parts[0], parts[1], parts[2], parts[3]
		if ip == "" || port == "" {
			lineErrs = append(lineErrs, &LineError{Line: n, Text: line,
				Err: fmt.Errorf("%w: empty host or port", ErrInvalidProxyLine)})
			continue
		}

		u := url.URL{Scheme: "http", User: url.UserPassword(user, pass), Host: ip + ":" + port}
		doc.Proxy = append(doc.Proxy, u.String())
	}
	if err := scanner.Err(); err != nil {
		return doc, lineErrs, fmt.Errorf("failed to read proxy file: %w", err)
	}

	return doc, lineErrs, nil
}

// Encode renders doc as two-space indented JSON
func Encode(doc Document) ([]byte, error) {
	out, err := sonic.ConfigStd.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode proxy list: %w", err)
	}
	return out, nil
}
