package datasets

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeSample_Valid(t *testing.T) {
	record := strings.Split(tableRow(5, testPlanes), "|")

	s, err := decodeSample(record, testPlanes)
	if err != nil {
		t.Fatalf("decodeSample failed: %v", err)
	}
	if got := labelOf(t, s); got != rowLabel(5) {
		t.Fatalf("expected label %v, got %v", rowLabel(5), got)
	}
}

func TestDecodeSample_Rejects(t *testing.T) {
	good := planeLiteral(1)
	short := "[[1, 2, 3]]"
	ragged := "[" + strings.Repeat("[0, 0, 0, 0, 0, 0, 0, 0], ", 7) + "[0, 0]]"

	cases := []struct {
		name   string
		record []string
		field  int
		target error
	}{
		{"too few fields", []string{good, "0.5"}, -1, errFieldCount},
		{"too many fields", []string{good, good, good, "0.5"}, -1, errFieldCount},
		{"expression", []string{good, "__import__('os')", "0.5"}, 1, nil},
		{"short plane", []string{short, good, "0.5"}, 0, errPlaneShape},
		{"ragged plane", []string{good, ragged, "0.5"}, 1, errPlaneShape},
		{"empty plane", []string{"  ", good, "0.5"}, 0, errEmptyField},
		{"label too large", []string{good, good, "1.5"}, 2, errLabelRange},
		{"label not a number", []string{good, good, "draw"}, 2, nil},
		{"label NaN", []string{good, good, "NaN"}, 2, errLabelRange},
		{"empty label", []string{good, good, ""}, 2, errEmptyField},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeSample(tc.record, testPlanes)
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ParseError, got %v", err)
			}
			if perr.Field != tc.field {
				t.Fatalf("expected field %d, got %d (%v)", tc.field, perr.Field, perr)
			}
			if tc.target != nil && !errors.Is(err, tc.target) {
				t.Fatalf("expected %v, got %v", tc.target, err)
			}
		})
	}
}

func TestAppendPlane_RowMajor(t *testing.T) {
	rows := make([]string, BoardSize)
	for r := range rows {
		cells := make([]string, BoardSize)
		for c := range cells {
			cells[c] = "0"
		}
		cells[r] = "1.5"
		rows[r] = "[" + strings.Join(cells, ",") + "]"
	}
	field := "[" + strings.Join(rows, ",") + "]"

	plane, err := appendPlane(nil, field)
	if err != nil {
		t.Fatalf("appendPlane failed: %v", err)
	}
	if len(plane) != BoardSize*BoardSize {
		t.Fatalf("expected %d values, got %d", BoardSize*BoardSize, len(plane))
	}
	for i, v := range plane {
		want := float32(0)
		if i/BoardSize == i%BoardSize {
			want = 1.5
		}
		if v != want {
			t.Fatalf("value %d: expected %v, got %v", i, want, v)
		}
	}
}

func TestParseError_Message(t *testing.T) {
	err := &ParseError{Path: "t.csv", Row: 4, Field: 2, Err: errLabelRange}
	if msg := err.Error(); !strings.Contains(msg, "t.csv") || !strings.Contains(msg, "row 4, field 2") {
		t.Fatalf("unexpected message %q", msg)
	}
	header := &ParseError{Row: -1, Field: -1, Err: ErrTableTooShort}
	if msg := header.Error(); !strings.Contains(msg, "header") {
		t.Fatalf("unexpected message %q", msg)
	}
}
