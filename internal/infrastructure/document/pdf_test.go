package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// onePagePDF builds a minimal PDF with a correct cross-reference table
func onePagePDF() []byte {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func write(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestPDFValidator_Validate(t *testing.T) {
	v := NewPDFValidator(false, zap.NewNop())
	ctx := context.Background()

	t.Run("valid document", func(t *testing.T) {
		assert.NoError(t, v.Validate(ctx, write(t, "OC-1.pdf", onePagePDF())))
	})

	t.Run("empty file", func(t *testing.T) {
		err := v.Validate(ctx, write(t, "OC-1.pdf", nil))
		assert.True(t, errors.Is(err, ErrEmptyDocument))
	})

	t.Run("not a pdf", func(t *testing.T) {
		assert.Error(t, v.Validate(ctx, write(t, "OC-1.pdf", []byte("<html>error page</html>"))))
	})

	t.Run("missing file", func(t *testing.T) {
		err := v.Validate(ctx, filepath.Join(t.TempDir(), "nope.pdf"))
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, v.Validate(cctx, write(t, "OC-1.pdf", onePagePDF())), context.Canceled)
	})
}
