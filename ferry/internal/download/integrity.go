package download

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const snippetLen = 300

var textOnly = bluemonday.StrictPolicy()

// checkIntegrity rejects payloads that are not books. Rejected files are
// deleted before returning.
func checkIntegrity(res *Result, minBytes int64, verifyFormat bool) error {
	fi, err := os.Stat(res.Path)
	if err != nil {
		return fmt.Errorf("download: stat: %w", err)
	}
	res.Size = fi.Size()

	if res.Size < minBytes {
		snippet := readSnippet(res.Path)
		os.Remove(res.Path)
		return fmt.Errorf("%w: %d bytes: %q", ErrTooSmall, res.Size, snippet)
	}
	if !verifyFormat {
		return nil
	}
	if err := verify(res.Path, res.Ext); err != nil {
		os.Remove(res.Path)
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, res.Ext, err)
	}
	return nil
}

// readSnippet returns the visible text of a small file, markup stripped.
func readSnippet(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	raw, _ := io.ReadAll(io.LimitReader(f, 64*1024))
	return snippet(textOnly.Sanitize(string(raw)), snippetLen)
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}

func verify(path, ext string) error {
	switch ext {
	case ".pdf":
		return verifyPDF(path)
	case ".epub", ".cbz", ".zip":
		return verifyZip(path)
	}
	return nil
}

func verifyPDF(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	ctx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return fmt.Errorf("pdfcpu read: %w", err)
	}
	if ctx.PageCount < 1 {
		return fmt.Errorf("no pages")
	}
	return nil
}

func verifyZip(path string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()
	if len(r.File) == 0 {
		return fmt.Errorf("empty archive")
	}
	return nil
}
