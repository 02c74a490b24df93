package vision

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/domain/screen"
)

func writeTemplate(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, noiseImage(12, 10, 9)))
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, filepath.Join(dir, "sap_desktop", "toolbar.png"))
	writeTemplate(t, filepath.Join(dir, "locators", "launcher.png"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sap_desktop", "broken.png"), []byte("nope"), 0o644))

	catalog := `
states:
  - state: sap_desktop
    threshold: 0.9
    references:
      - name: toolbar
        file: sap_desktop/toolbar.png
        region: [0, 0, 400, 80]
      - file: sap_desktop/broken.png
      - file: sap_desktop/missing.png
  - state: sales_order_form
    references:
      - file: form/header.png
locators:
  - name: sap_launcher
    file: locators/launcher.png
    threshold: 0.75
`
	path := filepath.Join(dir, "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o644))

	c, err := LoadCatalog(path, zap.NewNop())
	require.NoError(t, err)

	states := c.States()
	require.Len(t, states, 2)
	assert.Equal(t, screen.StateSAPDesktop, states[0].State)
	assert.Equal(t, 0.9, states[0].Threshold)
	require.Len(t, states[0].References, 3)
	assert.Equal(t, "toolbar", states[0].References[0].Name)
	assert.NotNil(t, states[0].References[0].Image)
	assert.Equal(t, image.Rect(0, 0, 400, 80), states[0].References[0].Region)
	assert.Nil(t, states[0].References[1].Image)
	assert.Nil(t, states[0].References[2].Image)

	assert.Equal(t, DefaultStateThreshold, states[1].Threshold)
	assert.Equal(t, 1, c.Loaded())

	loc, ok := c.Locator("sap_launcher")
	require.True(t, ok)
	assert.Equal(t, 0.75, loc.Threshold)
	assert.Equal(t, filepath.Join(dir, "locators", "launcher.png"), loc.Path)
	assert.NotNil(t, loc.Image)

	_, ok = c.Locator("nothing")
	assert.False(t, ok)
}

func TestCatalogFile_Validate(t *testing.T) {
	tests := []struct {
		name    string
		file    CatalogFile
		wantErr string
	}{
		{
			name:    "reserved state",
			file:    CatalogFile{States: []StateEntry{{State: screen.StateUnknown, References: []TemplateEntry{{File: "a.png"}}}}},
			wantErr: "reserved",
		},
		{
			name: "duplicate state",
			file: CatalogFile{States: []StateEntry{
				{State: "a", References: []TemplateEntry{{File: "a.png"}}},
				{State: "a", References: []TemplateEntry{{File: "b.png"}}},
			}},
			wantErr: "duplicate",
		},
		{
			name:    "no references",
			file:    CatalogFile{States: []StateEntry{{State: "a"}}},
			wantErr: "no references",
		},
		{
			name:    "bad region",
			file:    CatalogFile{Locators: []TemplateEntry{{Name: "x", File: "x.png", Region: []int{1, 2}}}},
			wantErr: "region",
		},
		{
			name:    "threshold out of range",
			file:    CatalogFile{States: []StateEntry{{State: "a", Threshold: 1.5, References: []TemplateEntry{{File: "a.png"}}}}},
			wantErr: "threshold",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.file.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	ok := CatalogFile{States: []StateEntry{{State: "a", References: []TemplateEntry{{File: "a.png"}}}}}
	assert.NoError(t, ok.Validate())
}
