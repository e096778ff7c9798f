package datasets

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// ParseError reports a table row that cannot be decoded into a Sample.
type ParseError struct {
	Path string
	// Row is the data row index, not counting the header. -1 is the header.
	Row int
	// Field is the column index, or -1 when the row as a whole is at fault.
	Field int
	Err   error
}

func (e *ParseError) Error() string {
	where := fmt.Sprintf("row %d", e.Row)
	if e.Row < 0 {
		where = "header"
	}
	if e.Field >= 0 {
		where += fmt.Sprintf(", field %d", e.Field)
	}
	if e.Path != "" {
		return fmt.Sprintf("parse %s: %s: %v", e.Path, where, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", where, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var (
	errFieldCount = errors.New("wrong number of fields")
	errPlaneShape = errors.New("board plane is not 8x8")
	errLabelRange = errors.New("label outside [-1, 1]")
	errEmptyField = errors.New("empty field")
)

// decodeSample decodes the planes and the label of one record. Errors are
// *ParseError without path and row, which the caller fills in.
func decodeSample(record []string, planes int) (Sample, error) {
	if len(record) != planes+1 {
		return Sample{}, &ParseError{Field: -1,
			Err: fmt.Errorf("%w: got %d, want %d", errFieldCount, len(record), planes+1)}
	}

	input := make([]float32, 0, planes*BoardSize*BoardSize)
	for i := range planes {
		var err error
		input, err = appendPlane(input, record[i])
		if err != nil {
			return Sample{}, &ParseError{Field: i, Err: err}
		}
	}

	label, err := parseLabel(record[planes])
	if err != nil {
		return Sample{}, &ParseError{Field: planes, Err: err}
	}

	return Sample{
		Input: tensors.FromFlatDataAndDimensions(input, 1, planes, BoardSize, BoardSize),
		Label: tensors.FromFlatDataAndDimensions([]float32{label}, 1, 1),
	}, nil
}

// appendPlane decodes an 8x8 nested numeric literal such as
// "[[0, 1, ...], ...]" and appends it to dst in row-major order. Only
// numbers are accepted; the literal is never evaluated.
func appendPlane(dst []float32, field string) ([]float32, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return dst, errEmptyField
	}
	var plane [][]float64
	if err := json.Unmarshal([]byte(field), &plane); err != nil {
		return dst, fmt.Errorf("malformed board plane: %w", err)
	}
	if len(plane) != BoardSize {
		return dst, fmt.Errorf("%w: %d rows", errPlaneShape, len(plane))
	}
	for r, row := range plane {
		if len(row) != BoardSize {
			return dst, fmt.Errorf("%w: row %d has %d columns", errPlaneShape, r, len(row))
		}
		for _, v := range row {
			dst = append(dst, float32(v))
		}
	}
	return dst, nil
}

func parseLabel(field string) (float32, error) {
	v, err := parseFloat32(field)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(float64(v)) || v < -1 || v > 1 {
		return 0, fmt.Errorf("%w: %v", errLabelRange, v)
	}
	return v, nil
}
