package datasets

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

var (
	// ErrSourceNotFound is returned when the position table does not exist.
	ErrSourceNotFound = errors.New("position table not found")

	// ErrInvalidRange is returned for row ranges that are empty or negative.
	ErrInvalidRange = errors.New("invalid row range")

	// ErrTableTooShort is returned when a table ends before the requested
	// range does.
	ErrTableTooShort = errors.New("table ended before the end of the range")
)

// Options configures a ChunkedSource.
type Options struct {
	// ChunkSize is the number of rows parsed together in training mode.
	// Zero means DefaultChunkSize. It is clamped to the range length.
	ChunkSize int

	// Planes is the number of board fields per row. Zero means DefaultPlanes.
	Planes int

	// NoHeader must be set for tables whose first line is already data.
	NoHeader bool

	// Device receives every parsed tensor. Nil means HostDevice.
	Device Device
}

// ChunkedSource reads the rows [start, stop) of a position table.
//
// Ranges longer than the chunk size are read lazily, one chunk at a time
// (training mode). Shorter ranges are parsed once at construction and kept
// resident (evaluation mode). A source holds no state besides its
// configuration and the resident samples, and can be iterated any number of
// times.
type ChunkedSource struct {
	path        string
	start, stop int
	chunkSize   int
	planes      int
	header      bool
	device      Device
	mode        Mode

	resident []Sample
}

// NewChunkedSource opens the rows [start, stop) of the table at path.
// In evaluation mode the whole range is parsed before returning, so malformed
// rows are reported here.
func NewChunkedSource(path string, start, stop int, opts Options) (*ChunkedSource, error) {
	if start < 0 || stop <= start {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, start, stop)
	}
	if err := checkTable(path); err != nil {
		return nil, err
	}

	s := &ChunkedSource{
		path:      path,
		start:     start,
		stop:      stop,
		chunkSize: opts.ChunkSize,
		planes:    opts.Planes,
		header:    !opts.NoHeader,
		device:    opts.Device,
	}
	if s.chunkSize <= 0 {
		s.chunkSize = DefaultChunkSize
	}
	if s.chunkSize > s.Len() {
		s.chunkSize = s.Len()
	}
	if s.planes <= 0 {
		s.planes = DefaultPlanes
	}
	if s.device == nil {
		s.device = HostDevice{}
	}

	if s.Len() > s.chunkSize {
		s.mode = TrainingMode
		return s, nil
	}

	s.mode = EvaluationMode
	samples, err := s.readRegion(start, stop)
	if err != nil {
		return nil, err
	}
	s.resident = samples
	return s, nil
}

// Len returns the number of rows in the range.
func (s *ChunkedSource) Len() int { return s.stop - s.start }

// Mode returns how the source yields its samples.
func (s *ChunkedSource) Mode() Mode { return s.mode }

// ChunkSize returns the effective (clamped) chunk size.
func (s *ChunkedSource) ChunkSize() int { return s.chunkSize }

// Path returns the table location.
func (s *ChunkedSource) Path() string { return s.path }

// Range returns the row range of the source.
func (s *ChunkedSource) Range() (start, stop int) { return s.start, s.stop }

// Iterate starts a new pass over the source.
func (s *ChunkedSource) Iterate() Iteration {
	if s.mode == EvaluationMode {
		return EvaluationSamples{samples: s.resident}
	}
	return TrainingChunks{src: s}
}

// chunkBounds returns the rows of chunk i. Every chunk starts chunkSize rows
// after the previous one and the last chunk is cut at stop.
func (s *ChunkedSource) chunkBounds(i int) (from, to int) {
	from = s.start + i*s.chunkSize
	to = min(from+s.chunkSize, s.stop)
	return from, to
}

// readRegion parses the rows [from, to) of the table and places the
// resulting tensors on the source device.
func (s *ChunkedSource) readRegion(from, to int) ([]Sample, error) {
	rows, err := s.openRows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return rows.region(from, to)
}

// rowReader reads the data rows of a table front to back. A training pass
// keeps one open so that each chunk continues where the previous one ended
// instead of rescanning the table from its first row.
type rowReader struct {
	src    *ChunkedSource
	file   *os.File
	reader *csv.Reader
	// next is the index of the next unread data row.
	next int
}

func (s *ChunkedSource) openRows() (*rowReader, error) {
	file, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, s.path)
		}
		return nil, fmt.Errorf("failed to open table: %w", err)
	}

	reader := newTableReader(file)
	if s.header {
		if _, err := reader.Read(); err != nil {
			file.Close()
			return nil, s.readError(-1, err)
		}
	}
	return &rowReader{src: s, file: file, reader: reader}, nil
}

func (r *rowReader) Close() error { return r.file.Close() }

// region parses the rows [from, to). Rows before from are skipped; from must
// not precede the next unread row.
func (r *rowReader) region(from, to int) ([]Sample, error) {
	s := r.src
	if from < r.next {
		return nil, fmt.Errorf("row %d was already read", from)
	}
	for r.next < from {
		if _, err := r.reader.Read(); err != nil {
			return nil, s.readError(r.next, err)
		}
		r.next++
	}

	samples := make([]Sample, 0, to-from)
	for row := from; row < to; row++ {
		record, err := r.reader.Read()
		if err != nil {
			return nil, s.readError(row, err)
		}
		r.next++
		sample, err := decodeSample(record, s.planes)
		if err != nil {
			var perr *ParseError
			if errors.As(err, &perr) {
				perr.Path, perr.Row = s.path, row
			}
			return nil, err
		}
		if err := s.place(sample); err != nil {
			return nil, fmt.Errorf("failed to place row %d on %s: %w", row, s.device.Name(), err)
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

func (s *ChunkedSource) place(sample Sample) error {
	if err := s.device.Place(sample.Input); err != nil {
		return err
	}
	return s.device.Place(sample.Label)
}

// readError converts a reader failure at row into a ParseError. Row -1 is
// the header.
func (s *ChunkedSource) readError(row int, err error) error {
	if err == io.EOF {
		err = ErrTableTooShort
	}
	return &ParseError{Path: s.path, Row: row, Field: -1, Err: err}
}

func newTableReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.Comma = Delimiter
	// Field counts are checked against the plane count by the decoder.
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true
	return reader
}

func checkTable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrSourceNotFound, path)
		}
		return fmt.Errorf("failed to stat table %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrSourceNotFound, path)
	}
	return nil
}
