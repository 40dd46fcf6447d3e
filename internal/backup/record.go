package backup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	formatHeader = "# wp-harden perms v1"
	siteLabel    = "# site: "
	createdLabel = "# created: "
)

// Entry is the ownership and mode of one filesystem entry. Mode holds the
// unix permission bits including setuid, setgid and sticky (07777).
type Entry struct {
	Path  string
	User  string
	Group string
	Mode  uint32
}

// Header identifies the site a snapshot belongs to.
type Header struct {
	SiteRoot string
	Created  time.Time
}

// Writer streams a .perms snapshot. Paths are Go-quoted so whitespace and
// newlines in file names cannot break the tab separated record.
type Writer struct {
	w *bufio.Writer
}

// NewWriter writes the snapshot header and returns a record writer.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s\n%s%s\n%s%d\n", formatHeader, siteLabel, strconv.Quote(h.SiteRoot), createdLabel, h.Created.Unix()); err != nil {
		return nil, err
	}
	return &Writer{w: bw}, nil
}

// Write appends one entry.
func (w *Writer) Write(e Entry) error {
	_, err := fmt.Fprintf(w.w, "%s\t%s\t%s\t%04o\n", strconv.Quote(e.Path), e.User, e.Group, e.Mode&0o7777)
	return err
}

// Flush writes buffered records to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Reader parses a .perms snapshot.
type Reader struct {
	scanner *bufio.Scanner
	header  Header
	line    int
}

// ErrUnknownFormat is returned for files that do not start with the
// snapshot format line.
var ErrUnknownFormat = errors.New("not a wp-harden permission snapshot")

// NewReader reads the snapshot header. The first line must be the format
// line; files without a site header are rejected because restore must know
// which site the entries belong to.
func NewReader(r io.Reader) (*Reader, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	rd := &Reader{scanner: scanner}

	if !rd.scanner.Scan() {
		if err := rd.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: empty file", ErrUnknownFormat)
	}
	rd.line++
	if first := strings.TrimRight(rd.scanner.Text(), "\r"); first != formatHeader {
		return nil, fmt.Errorf("%w: line 1 is %q", ErrUnknownFormat, first)
	}

	for rd.scanner.Scan() {
		rd.line++
		text := rd.scanner.Text()
		if !strings.HasPrefix(text, "#") {
			return nil, fmt.Errorf("line %d: record before header", rd.line)
		}
		switch {
		case strings.HasPrefix(text, siteLabel):
			root, err := strconv.Unquote(strings.TrimPrefix(text, siteLabel))
			if err != nil {
				return nil, fmt.Errorf("line %d: bad site header: %w", rd.line, err)
			}
			rd.header.SiteRoot = root
		case strings.HasPrefix(text, createdLabel):
			ts, err := strconv.ParseInt(strings.TrimPrefix(text, createdLabel), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad created header: %w", rd.line, err)
			}
			rd.header.Created = time.Unix(ts, 0)
		}
		if rd.header.SiteRoot != "" && !rd.header.Created.IsZero() {
			return rd, nil
		}
	}
	if err := rd.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("snapshot header incomplete")
}

// Header returns the snapshot header.
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next entry or io.EOF.
func (r *Reader) Next() (Entry, error) {
	for r.scanner.Scan() {
		r.line++
		text := r.scanner.Text()
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		return parseEntry(text, r.line)
	}
	if err := r.scanner.Err(); err != nil {
		return Entry{}, err
	}
	return Entry{}, io.EOF
}

func parseEntry(text string, line int) (Entry, error) {
	fields := strings.Split(text, "\t")
	if len(fields) != 4 {
		return Entry{}, fmt.Errorf("line %d: expected 4 fields, got %d", line, len(fields))
	}

	path, err := strconv.Unquote(fields[0])
	if err != nil {
		return Entry{}, fmt.Errorf("line %d: bad path: %w", line, err)
	}

	mode, err := strconv.ParseUint(fields[3], 8, 32)
	if err != nil {
		return Entry{}, fmt.Errorf("line %d: bad mode %q: %w", line, fields[3], err)
	}

	return Entry{Path: path, User: fields[1], Group: fields[2], Mode: uint32(mode) & 0o7777}, nil
}

// FileMode converts unix permission bits into an os.FileMode usable with os.Chmod.
func FileMode(bits uint32) os.FileMode {
	mode := os.FileMode(bits & 0o777)
	if bits&0o4000 != 0 {
		mode |= os.ModeSetuid
	}
	if bits&0o2000 != 0 {
		mode |= os.ModeSetgid
	}
	if bits&0o1000 != 0 {
		mode |= os.ModeSticky
	}
	return mode
}
