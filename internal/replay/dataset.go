package replay

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/segmentio/parquet-go"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/raaihank/sam2-worker/internal/codec"
	"github.com/raaihank/sam2-worker/internal/prompt"
)

// Click is one recorded user click. Clicks sharing a Step are sent together.
type Click struct {
	Step  int64   `csv:"step" parquet:"step" json:"step"`
	X     float32 `csv:"x" parquet:"x" json:"x"`
	Y     float32 `csv:"y" parquet:"y" json:"y"`
	Label int32   `csv:"label" parquet:"label" json:"label"`
}

// Point converts the click to a decoder prompt point.
func (c Click) Point() prompt.Point {
	return prompt.Point{X: c.X, Y: c.Y, Label: prompt.Label(c.Label)}
}

func (c Click) valid() bool {
	if math.IsNaN(float64(c.X)) || math.IsInf(float64(c.X), 0) ||
		math.IsNaN(float64(c.Y)) || math.IsInf(float64(c.Y), 0) {
		return false
	}
	return prompt.Label(c.Label).Valid()
}

// Format is a dataset file format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatParquet Format = "parquet"
)

// DetectFormat picks the format from the file extension. Unknown extensions
// are read as CSV.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return FormatParquet
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	default:
		return FormatCSV
	}
}

// Dataset is a loaded click recording.
type Dataset struct {
	Clicks  []Click
	Skipped int
}

// Loader reads click datasets and embedding files from a filesystem.
type Loader struct {
	fs     afero.Fs
	logger *zap.Logger
}

// NewLoader creates a loader over fs. A nil fs reads the OS filesystem.
func NewLoader(fs afero.Fs, logger *zap.Logger) *Loader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{fs: fs, logger: logger}
}

// LoadDataset reads the clicks of path. Rows that cannot be parsed or carry
// an unknown label are skipped and counted.
func (l *Loader) LoadDataset(path string) (*Dataset, error) {
	file, err := l.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer file.Close()

	format := DetectFormat(path)
	l.logger.Info("Loading click dataset", zap.String("file", path), zap.String("format", string(format)))

	ds := &Dataset{}
	switch format {
	case FormatCSV:
		err = l.readCSV(file, ds)
	case FormatJSON:
		err = l.readJSON(file, ds)
	case FormatParquet:
		err = l.readParquet(file, ds)
	}
	if err != nil {
		return nil, fmt.Errorf("%s dataset: %w", format, err)
	}
	if len(ds.Clicks) == 0 {
		return nil, fmt.Errorf("dataset %s contains no valid clicks", path)
	}

	l.logger.Info("Click dataset loaded",
		zap.Int("clicks", len(ds.Clicks)),
		zap.Int("skipped", ds.Skipped))
	return ds, nil
}

func (l *Loader) add(ds *Dataset, c Click) {
	if !c.valid() {
		l.logger.Debug("Invalid click skipped", zap.Int64("step", c.Step), zap.Int32("label", c.Label))
		ds.Skipped++
		return
	}
	ds.Clicks = append(ds.Clicks, c)
}

func (l *Loader) readCSV(r io.Reader, ds *Dataset) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range []string{"step", "x", "y", "label"} {
		if _, ok := cols[name]; !ok {
			return fmt.Errorf("CSV header %v is missing column %q", header, name)
		}
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			l.logger.Warn("Failed to read CSV record", zap.Error(err))
			ds.Skipped++
			continue
		}
		c, err := parseCSVRecord(record, cols)
		if err != nil {
			l.logger.Warn("Invalid CSV record", zap.Strings("record", record), zap.Error(err))
			ds.Skipped++
			continue
		}
		l.add(ds, c)
	}
}

func parseCSVRecord(record []string, cols map[string]int) (Click, error) {
	field := func(name string) (string, error) {
		i := cols[name]
		if i >= len(record) {
			return "", fmt.Errorf("missing %s", name)
		}
		return strings.TrimSpace(record[i]), nil
	}

	var c Click
	s, err := field("step")
	if err != nil {
		return c, err
	}
	if c.Step, err = strconv.ParseInt(s, 10, 64); err != nil {
		return c, fmt.Errorf("step: %w", err)
	}
	for _, f := range []struct {
		name string
		dst  *float32
	}{{"x", &c.X}, {"y", &c.Y}} {
		s, err := field(f.name)
		if err != nil {
			return c, err
		}
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return c, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = float32(v)
	}
	if s, err = field("label"); err != nil {
		return c, err
	}
	label, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return c, fmt.Errorf("label: %w", err)
	}
	c.Label = int32(label)
	return c, nil
}

// readJSON accepts either a JSON array of clicks or one click object per line.
func (l *Loader) readJSON(r io.Reader, ds *Dataset) error {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		return err
	}

	decoder := json.NewDecoder(br)
	if first == '[' {
		var clicks []Click
		if err := decoder.Decode(&clicks); err != nil {
			return fmt.Errorf("failed to decode click array: %w", err)
		}
		for _, c := range clicks {
			l.add(ds, c)
		}
		return nil
	}

	for {
		var c Click
		err := decoder.Decode(&c)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// The decoder cannot resynchronise after a syntax error.
			return fmt.Errorf("failed to read JSON record: %w", err)
		}
		l.add(ds, c)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

func (l *Loader) readParquet(file afero.File, ds *Dataset) error {
	info, err := file.Stat()
	if err != nil {
		return err
	}
	// NewReader panics on a malformed file, so open it explicitly first.
	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return fmt.Errorf("failed to open Parquet file: %w", err)
	}
	reader := parquet.NewReader(pf)
	defer reader.Close()

	for {
		var c Click
		err := reader.Read(&c)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read Parquet record: %w", err)
		}
		l.add(ds, c)
	}
}

// LoadEmbeddings reads a JSON file in the shape returned by the encoding
// service.
func (l *Loader) LoadEmbeddings(path string) (*codec.EmbeddingsResponse, error) {
	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read embeddings: %w", err)
	}
	var resp codec.EmbeddingsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse embeddings %s: %w", path, err)
	}
	return &resp, nil
}

// LoadImage reads an image file and guesses its content type.
func (l *Loader) LoadImage(path string) ([]byte, string, error) {
	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image: %w", err)
	}
	contentType := "image/jpeg"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		contentType = "image/png"
	case ".webp":
		contentType = "image/webp"
	}
	return data, contentType, nil
}

// Step is one decode request: every click up to and including Index.
type Step struct {
	Index  int64
	Points []prompt.Point
}

// Steps groups clicks by step in ascending order with cumulative points.
// Clicks within a step keep their recorded order.
func Steps(clicks []Click) []Step {
	sorted := append([]Click(nil), clicks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Step < sorted[j].Step })

	var steps []Step
	var points []prompt.Point
	for i, c := range sorted {
		points = append(points, c.Point())
		if i == len(sorted)-1 || sorted[i+1].Step != c.Step {
			steps = append(steps, Step{Index: c.Step, Points: append([]prompt.Point(nil), points...)})
		}
	}
	return steps
}
