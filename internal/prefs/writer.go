package prefs

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/xkilldash9x/repoagent/internal/config"
)

// Writer persists a Dataset as two JSONL files: the pairs and their metadata.
type Writer struct {
	outPath  string
	metaPath string
	mode     config.WriteMode
	logger   *zap.Logger
}

// NewWriter validates mode. An empty metaPath defaults to "<stem>_meta.jsonl"
// next to outPath.
func NewWriter(outPath, metaPath string, mode config.WriteMode, logger *zap.Logger) (*Writer, error) {
	if outPath == "" {
		return nil, fmt.Errorf("output path is required")
	}
	switch mode {
	case config.WriteOverwrite, config.WriteAppend:
	case "":
		mode = config.WriteOverwrite
	default:
		return nil, fmt.Errorf("invalid write mode %q: use overwrite or append", mode)
	}
	if metaPath == "" {
		metaPath = config.DefaultMetaPath(outPath)
	}
	return &Writer{outPath: outPath, metaPath: metaPath, mode: mode, logger: logger.Named("prefs_writer")}, nil
}

// OutPath returns the pair file path.
func (w *Writer) OutPath() string { return w.outPath }

// MetaPath returns the metadata file path.
func (w *Writer) MetaPath() string { return w.metaPath }

// Write emits one line per pair and per meta record.
func (w *Writer) Write(ds Dataset) error {
	pairs := make([]interface{}, len(ds.Pairs))
	for i := range ds.Pairs {
		pairs[i] = ds.Pairs[i]
	}
	if err := w.writeLines(w.outPath, pairs); err != nil {
		return err
	}

	metas := make([]interface{}, len(ds.Metas))
	for i := range ds.Metas {
		metas[i] = ds.Metas[i]
	}
	if err := w.writeLines(w.metaPath, metas); err != nil {
		return err
	}

	verb := "Wrote"
	if w.mode == config.WriteAppend {
		verb = "Appended"
	}
	w.logger.Info(fmt.Sprintf("[prefs] %s preference data", verb),
		zap.Int("pairs", len(ds.Pairs)),
		zap.String("out", w.outPath),
		zap.String("meta", w.metaPath),
		zap.Int("no_contrast", len(ds.NoContrast)))
	return nil
}

func (w *Writer) writeLines(path string, records []interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if w.mode == config.WriteAppend {
		if err := ensureTrailingNewline(path); err != nil {
			return err
		}
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	buf := bufio.NewWriter(f)
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// ensureTrailingNewline terminates a non-empty file's last line so appended
// records start on a fresh line.
func ensureTrailingNewline(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	_, err = f.Write([]byte{'\n'})
	return err
}
