package frontier

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// maxLineScan bounds the search for a line terminator when reading a frontier
// file, guarding against a corrupt file with no newlines.
const maxLineScan = 16 * 1024

// ErrMalformedLine is returned by ReadLineAt when the bytes at the offset do
// not parse as a url|depth record. BytesConsumed lets the caller advance past
// the bad line.
type ErrMalformedLine struct {
	Domain        string
	Offset        int64
	BytesConsumed int64
}

func (e *ErrMalformedLine) Error() string {
	return fmt.Sprintf("malformed frontier line in %s at offset %d", e.Domain, e.Offset)
}

// FileStore manages the per-domain append-only frontier files under
// <root>/frontiers/<2-hex>/<domain>.frontier.
type FileStore struct {
	root   string
	logger *zap.Logger
}

// NewFileStore creates the store rooted at dataDir.
func NewFileStore(dataDir string, logger *zap.Logger) (*FileStore, error) {
	root := filepath.Join(dataDir, "frontiers")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create frontier root: %w", err)
	}
	return &FileStore{root: root, logger: logger}, nil
}

// RelPath returns the path of a domain's frontier file relative to the data
// dir, as stored in the domain entry's file_path field.
func (fs *FileStore) RelPath(domain string) string {
	sum := sha256.Sum256([]byte(domain))
	prefix := hex.EncodeToString(sum[:1])
	return filepath.Join("frontiers", prefix, domain+".frontier")
}

func (fs *FileStore) absPath(domain string) string {
	sum := sha256.Sum256([]byte(domain))
	prefix := hex.EncodeToString(sum[:1])
	return filepath.Join(fs.root, prefix, domain+".frontier")
}

// Append writes url|depth lines to the end of a domain's frontier file and
// returns the number of bytes written.
func (fs *FileStore) Append(domain string, urls []string, depth int) (int64, error) {
	if len(urls) == 0 {
		return 0, nil
	}

	path := fs.absPath(domain)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create frontier dir for %s: %w", domain, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open frontier file for %s: %w", domain, err)
	}
	defer f.Close()

	var buf strings.Builder
	for _, u := range urls {
		buf.WriteString(u)
		buf.WriteByte('|')
		buf.WriteString(strconv.Itoa(depth))
		buf.WriteByte('\n')
	}

	n, err := f.WriteString(buf.String())
	if err != nil {
		return int64(n), fmt.Errorf("failed to append frontier lines for %s: %w", domain, err)
	}
	if err := f.Sync(); err != nil {
		return int64(n), fmt.Errorf("failed to sync frontier file for %s: %w", domain, err)
	}
	return int64(n), nil
}

// ReadLineAt reads one url|depth record starting at offset. newOffset is the
// offset of the byte following the consumed line, including its newline.
func (fs *FileStore) ReadLineAt(domain string, offset int64) (url string, depth int, newOffset int64, err error) {
	f, err := os.Open(fs.absPath(domain))
	if err != nil {
		return "", 0, offset, fmt.Errorf("failed to open frontier file for %s: %w", domain, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", 0, offset, fmt.Errorf("failed to seek frontier file for %s: %w", domain, err)
	}

	r := bufio.NewReaderSize(f, 4096)
	line, err := readBounded(r)
	if err != nil {
		return "", 0, offset, fmt.Errorf("failed to read frontier line for %s at %d: %w", domain, offset, err)
	}

	consumed := int64(len(line))
	record := strings.TrimSuffix(line, "\n")

	sep := strings.LastIndexByte(record, '|')
	if sep <= 0 {
		return "", 0, offset, &ErrMalformedLine{Domain: domain, Offset: offset, BytesConsumed: consumed}
	}
	d, convErr := strconv.Atoi(record[sep+1:])
	if convErr != nil {
		return "", 0, offset, &ErrMalformedLine{Domain: domain, Offset: offset, BytesConsumed: consumed}
	}

	return record[:sep], d, offset + consumed, nil
}

// readBounded reads up to and including the next newline, failing if none is
// found within maxLineScan bytes.
func readBounded(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for sb.Len() < maxLineScan {
		b, err := r.ReadByte()
		if err == io.EOF {
			if sb.Len() == 0 {
				return "", io.EOF
			}
			// A final line without a terminator is still served; the offset
			// advances by the bytes actually present.
			return sb.String(), nil
		}
		if err != nil {
			return "", err
		}
		sb.WriteByte(b)
		if b == '\n' {
			return sb.String(), nil
		}
	}
	return "", errors.New("no line terminator within scan bound")
}

// Size stats a domain's frontier file. A missing file has size 0.
func (fs *FileStore) Size(domain string) (int64, error) {
	info, err := os.Stat(fs.absPath(domain))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat frontier file for %s: %w", domain, err)
	}
	return info.Size(), nil
}

// Exists reports whether a domain has a frontier file on disk.
func (fs *FileStore) Exists(domain string) bool {
	_, err := os.Stat(fs.absPath(domain))
	return err == nil
}

// Rewrite atomically replaces a domain's frontier file with the given lines,
// returning the new file size. Used by the maintenance normalizer.
func (fs *FileStore) Rewrite(domain string, records []Record) (int64, error) {
	path := fs.absPath(domain)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create rewrite file for %s: %w", domain, err)
	}

	var size int64
	w := bufio.NewWriter(f)
	for _, rec := range records {
		n, err := fmt.Fprintf(w, "%s|%d\n", rec.URL, rec.Depth)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return 0, fmt.Errorf("failed to write rewrite file for %s: %w", domain, err)
		}
		size += int64(n)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to flush rewrite file for %s: %w", domain, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to close rewrite file for %s: %w", domain, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("failed to replace frontier file for %s: %w", domain, err)
	}
	return size, nil
}

// ReadAll scans every record in a domain's frontier file. Used by the
// maintenance normalizer; the hot path reads single lines by offset.
func (fs *FileStore) ReadAll(domain string) ([]Record, error) {
	f, err := os.Open(fs.absPath(domain))
	if err != nil {
		return nil, fmt.Errorf("failed to open frontier file for %s: %w", domain, err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), maxLineScan)
	for scanner.Scan() {
		line := scanner.Text()
		sep := strings.LastIndexByte(line, '|')
		if sep <= 0 {
			fs.logger.Warn("skipping malformed frontier line",
				zap.String("domain", domain),
				zap.String("line", line),
			)
			continue
		}
		depth, convErr := strconv.Atoi(line[sep+1:])
		if convErr != nil {
			fs.logger.Warn("skipping malformed frontier depth",
				zap.String("domain", domain),
				zap.String("line", line),
			)
			continue
		}
		records = append(records, Record{URL: line[:sep], Depth: depth})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan frontier file for %s: %w", domain, err)
	}
	return records, nil
}

// Record is one frontier file line.
type Record struct {
	URL   string
	Depth int
}
