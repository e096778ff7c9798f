package main

// Example command that opens a position table the way the trainer does and
// prints what it would see: the row count, the mode of each source, the
// chunk layout and a few label statistics.
//
// Rows are read lazily: a training-mode source only parses a chunk when the
// iteration reaches it.
//
// Usage:
//   go run ./datasets/example -table ./TANH_NORM_CHESS_DATASET.csv -n 100

import (
	"flag"
	"fmt"
	"log"
	"math"

	"github.com/Noofbiz/chessEval/datasets"
)

func main() {
	table := flag.String("table", "./TANH_NORM_CHESS_DATASET.csv", "pipe-separated position table")
	n := flag.Int("n", 100, "number of rows to inspect, starting at row 0")
	chunk := flag.Int("chunk", datasets.DefaultChunkSize, "chunk size")
	planes := flag.Int("planes", datasets.DefaultPlanes, "board planes per row")
	noHeader := flag.Bool("no-header", false, "the table has no header line")
	flag.Parse()

	rows, err := datasets.CountRows(*table, !*noHeader)
	if err != nil {
		log.Fatalf("failed to count rows: %v", err)
	}
	fmt.Printf("Table %s: %d rows\n", *table, rows)

	stop := min(*n, rows)
	if stop == 0 {
		log.Fatalf("table has no rows")
	}
	src, err := datasets.NewChunkedSource(*table, 0, stop, datasets.Options{
		ChunkSize: *chunk,
		Planes:    *planes,
		NoHeader:  *noHeader,
	})
	if err != nil {
		log.Fatalf("failed to open rows [0, %d): %v", stop, err)
	}
	fmt.Printf("Rows [0, %d): %s mode, chunk size %d\n", stop, src.Mode(), src.ChunkSize())
	if chunks, ok := src.Iterate().(datasets.TrainingChunks); ok {
		fmt.Printf("  %d chunks per pass\n", chunks.Count())
	}

	count := 0
	lo, hi, sum := math.Inf(1), math.Inf(-1), 0.0
	for s, err := range datasets.Flatten(src.Iterate()) {
		if err != nil {
			log.Fatalf("failed to read rows: %v", err)
		}
		if count == 0 {
			fmt.Printf("First sample: input %v, label %v\n", s.Input.Shape(), s.Label.Shape())
		}
		label := float64(s.Label.Value().([][]float32)[0][0])
		lo, hi, sum = math.Min(lo, label), math.Max(hi, label), sum+label
		count++
	}
	fmt.Printf("Labels: min %.4f, max %.4f, mean %.4f over %d samples\n", lo, hi, sum/float64(count), count)
}
